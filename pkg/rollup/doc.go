/*
Package rollup implements the layered calculators that turn observations into period
statistics.

	Daily   <- raw observations (storage.Store)
	Weekly  <- 7 Daily results (calendar ISO week or trailing 7 days)
	Monthly <- the Weekly results attributed to the month

Only the Daily layer reads raw records. Weekly and Monthly read their children through a
Source, which the engine wires to the cache, so a week is always an exact function of the
days composing it and a month an exact function of its weeks.

# Combination algebra

Every layer above Daily uses stats.Combiner:
  - mean: sum of child sums over total count (never an average of averages)
  - min/max: element-wise reduction
  - standard deviation: Chan's parallel variance formula over child count/mean/M2
  - median: count-weighted median of child medians (exact only at Daily)

Empty children are excluded from every statistic but still listed in Children, and they
set the Missing flag.

# Month attribution

A calendar week that straddles a month boundary is attributed by policy. The default,
MajorityDay{MinDays: 4}, gives each week to the month holding at least 4 of its 7 days, so
every week lands in exactly one month. Raising MinDays drops straddling weeks that do not
have enough days in either month; WeekStart attributes a week to the month of its Monday.
Boundaries are date-based, so leap years need no special handling.
*/
package rollup
