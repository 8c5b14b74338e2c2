package models

import "time"

// ScheduleType distinguishes a crawler that fires once from one driven by a
// recurring cron expression (spec §3.1, §4.4).
type ScheduleType string

const (
	ScheduleOneTime   ScheduleType = "one_time"
	ScheduleRecurring ScheduleType = "recurring"
)

// CrawlerSchedule is the JSON value object describing when a crawler job
// fires (spec §3.1). CronExpression is only meaningful for ScheduleRecurring;
// a ScheduleOneTime crawler auto-unregisters after its single execution
// (see scheduler.Scheduler.fireDue).
type CrawlerSchedule struct {
	Type           ScheduleType `json:"type"`
	CronExpression string       `json:"cron_expression,omitempty"`
	Timezone       string       `json:"timezone"` // IANA name, e.g. "America/New_York"
	NextRuns       []time.Time  `json:"next_runs,omitempty"`
}
