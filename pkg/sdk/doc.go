/*
Package sdk is the Go client for a healthobs server.

# Recording observations

Observations are queued and delivered to POST /v1/import in batches:

	client, err := sdk.New(sdk.ClientConfig{
	    Endpoint: "http://localhost:8080",
	    Source:   "watch",
	})
	if err != nil {
	    log.Fatal(err)
	}
	client.Start(ctx)
	defer client.Stop()

	client.Record("heart_rate", time.Now(), 61)
	client.Record("hrv", time.Now(), math.NaN()) // explicit missing value

Batches are sent every FlushEvery (default 5s) or as soon as MaxBatchSize
(default 1000) observations are queued. Stop flushes what is left. Delivery
reports how many observations the server accepted.

# Reading statistics

	week, err := client.Statistics(ctx, sdk.StatisticsQuery{
	    Metric:      "heart_rate",
	    Granularity: stats.Week,
	    Date:        time.Now(),
	})

With NoWait set, an uncached period returns ErrPending while the server computes
it in the background; poll again later. Periods without data come back with
Missing set rather than as an error.

Series, Compare, Correlation and Anomalies mirror the corresponding endpoints.
Non-2xx responses are returned as *transport.StatusError.
*/
package sdk
