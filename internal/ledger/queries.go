package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// Totals is the result of the "totals" aggregation query of §4.3.
type Totals struct {
	TotalCalls      int64
	TotalSpend      int64
	SuccessFraction float64
	AvgLatencyMs    float64
	FirstCall       *time.Time
	LastCall        *time.Time
}

// Totals computes the caller's aggregate totals, optionally scoped to an
// inclusive [from, to] day range (either may be zero to mean unbounded).
func (l *Ledger) Totals(caller string, from, to time.Time) (Totals, error) {
	where, args := scope(caller, from, to)
	row := l.db.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(cost_micros),0), COALESCE(AVG(success),0),
		       COALESCE(AVG(latency_ms),0), MIN(ts), MAX(ts)
		FROM usage_records %s`, where), args...)

	var (
		count                int64
		spend                int64
		successFraction      float64
		avgLatency           float64
		firstTS, lastTS      sql.NullInt64
	)
	if err := row.Scan(&count, &spend, &successFraction, &avgLatency, &firstTS, &lastTS); err != nil {
		return Totals{}, err
	}

	t := Totals{
		TotalCalls:      count,
		TotalSpend:      spend,
		SuccessFraction: successFraction,
		AvgLatencyMs:    avgLatency,
	}
	if firstTS.Valid {
		ft := time.Unix(firstTS.Int64, 0).UTC()
		t.FirstCall = &ft
	}
	if lastTS.Valid {
		lt := time.Unix(lastTS.Int64, 0).UTC()
		t.LastCall = &lt
	}
	return t, nil
}

// ByCapability is one row of the "by capability" aggregation, §4.3.
type ByCapability struct {
	CapabilityID    string
	Calls           int64
	Spend           int64
	SuccessFraction float64
	AvgLatencyMs    float64
}

// ByCapability returns per-capability aggregates, descending by spend.
func (l *Ledger) ByCapability(caller string, from, to time.Time) ([]ByCapability, error) {
	where, args := scope(caller, from, to)
	rows, err := l.db.Query(fmt.Sprintf(`
		SELECT capability_id, COUNT(*), COALESCE(SUM(cost_micros),0),
		       COALESCE(AVG(success),0), COALESCE(AVG(latency_ms),0)
		FROM usage_records %s
		GROUP BY capability_id
		ORDER BY SUM(cost_micros) DESC`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ByCapability
	for rows.Next() {
		var b ByCapability
		if err := rows.Scan(&b.CapabilityID, &b.Calls, &b.Spend, &b.SuccessFraction, &b.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TimelineDay is one row of the "timeline" aggregation, §4.3.
type TimelineDay struct {
	Date  string // YYYY-MM-DD (UTC)
	Spend int64
	Calls int64
}

// Timeline returns per-day spend and call counts, ascending by date.
func (l *Ledger) Timeline(caller string, from, to time.Time) ([]TimelineDay, error) {
	where, args := scope(caller, from, to)
	rows, err := l.db.Query(fmt.Sprintf(`
		SELECT strftime('%%Y-%%m-%%d', ts, 'unixepoch') AS day,
		       COALESCE(SUM(cost_micros),0), COUNT(*)
		FROM usage_records %s
		GROUP BY day
		ORDER BY day ASC`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineDay
	for rows.Next() {
		var d TimelineDay
		if err := rows.Scan(&d.Date, &d.Spend, &d.Calls); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scope builds the WHERE clause shared by all three aggregation queries.
func scope(caller string, from, to time.Time) (string, []any) {
	where := "WHERE caller = ?"
	args := []any{caller}
	if !from.IsZero() {
		where += " AND ts >= ?"
		args = append(args, from.Unix())
	}
	if !to.IsZero() {
		// to is parsed as midnight of that day; the range is inclusive of
		// the whole day, so the boundary is the start of the next day.
		where += " AND ts < ?"
		args = append(args, to.AddDate(0, 0, 1).Unix())
	}
	return where, args
}
