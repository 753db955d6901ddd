// Package runner fires configured recurrences as they occur.
//
// Each base record is registered with robfig/cron through a
// recurrence.CronSchedule, so cron sleeps until the calculator's next
// occurrence. On every fire the runner:
//   - checks the record's tracked objects with Manager.CheckDue
//   - advances the sub-recurrence of every due object
//   - advances the base record and reports the Occurrence to the handler
package runner
