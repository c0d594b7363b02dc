package bot

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"
)

const MemFreeThreshold = 90

// MemWatcher returns memory to the os when the system is running low
type MemWatcher struct {
	lastTimeFreed time.Time
}

func (mw *MemWatcher) Run(ctx context.Context) {
	logrus.Info("[mem_monitor] launching memory monitor")
	ticker := time.NewTicker(time.Second * 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mw.Check()
		}
	}
}

func (mw *MemWatcher) Check() {
	if time.Since(mw.lastTimeFreed) < time.Minute*10 {
		return
	}

	sysMem, err := mem.VirtualMemory()
	if err != nil {
		logrus.WithError(err).Error("[mem_monitor] failed retrieving os memory stats")
		return
	}

	if sysMem.UsedPercent > MemFreeThreshold {
		logrus.Info("[mem_monitor] LOW SYSTEM MEMORY, ATTEMPTING TO FREE SOME")
		debug.FreeOSMemory()
		mw.lastTimeFreed = time.Now()
	}
}
