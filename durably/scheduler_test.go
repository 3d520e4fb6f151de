package durably

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var scheduledFireCount int

func scheduledCountingWorkflow(ctx DBOSContext, input ScheduledInput) (string, error) {
	return RunAsStep(ctx, func(context.Context) (string, error) {
		scheduledFireCount++
		return "fired", nil
	})
}

func TestScheduledWorkflowFires(t *testing.T) {
	dc := setupDBOS(t, setupDBOSOptions{dropDB: true, checkLeaks: true})
	scheduledFireCount = 0
	RegisterWorkflow(dc, scheduledCountingWorkflow, WithSchedule("*/1 * * * * *"))
	require.NoError(t, dc.Launch())

	require.Eventually(t, func() bool {
		return scheduledFireCount >= 2
	}, 5*time.Second, 100*time.Millisecond, "expected the cron schedule to fire at least twice")
}
