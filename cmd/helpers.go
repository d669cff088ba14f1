package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

const defaultTracingFlushTimeout = 5 * time.Second

// formatScheduleList renders scheduled tasks for a `schedules` slash
// command reply, matching the plain-text table style
// vanducng-goclaw/internal/gateway/method_router.go uses for its
// "sessions" built-in.
func formatScheduleList(tasks []*store.ScheduledTask) string {
	if len(tasks) == 0 {
		return "no scheduled tasks"
	}
	var b strings.Builder
	for _, t := range tasks {
		status := "enabled"
		if !t.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&b, "%s [%s] %s — %s\n", t.Name, status, t.CronExpression, t.TaskGoal)
	}
	return strings.TrimRight(b.String(), "\n")
}
