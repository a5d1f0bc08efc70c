// Package status exposes the stream position over HTTP and logs it on a
// schedule.
package status

import (
	"chain-reader/lib/logger"
	a "chain-reader/modules/aggregate"

	"github.com/chebyrash/promise"
	"github.com/robfig/cron/v3"
)

// ===== types =====

type reporter struct {
	spec   string
	status StatusFunc
	log    logger.Logger
	cron   *cron.Cron
	stop   chan struct{}
}

// ===== interface assertions =====

var _ a.Plugin = &reporter{}

// ===== constructor =====

// NewReporter logs the stream status on every tick of spec, a cron
// expression such as "@every 1m".
func NewReporter(spec string, status StatusFunc) *reporter {
	return &reporter{
		spec:   spec,
		status: status,
		log:    logger.New("status"),
		cron:   cron.New(),
		stop:   make(chan struct{}),
	}
}

// ===== implementing plugin interface =====

func (r *reporter) Init() error {
	_, err := cron.ParseStandard(r.spec)
	return err
}

func (r *reporter) task() {
	s := r.status()
	r.log.Info("stream status",
		"last_processed", s.LastProcessedBlock,
		"head", s.HeadBlock,
		"irreversible", s.IrreversibleBlock,
		"paused", s.Paused,
	)
}

func (r *reporter) Start() *promise.Promise[any] {
	return promise.New(func(resolve func(any), reject func(error)) {
		_, err := r.cron.AddFunc(r.spec, func() {
			select {
			case <-r.stop:
				return
			default:
				r.task()
			}
		})
		if err != nil {
			reject(err)
			return
		}
		r.cron.Start()
		resolve(nil)
	})
}

func (r *reporter) Stop() error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.cron.Stop().Done()
	return nil
}
