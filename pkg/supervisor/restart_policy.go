package supervisor

import (
	"fmt"
	"time"

	"github.com/core-tools/hsu-assistant/pkg/diagnostics"
	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

// restartPolicy tracks consecutive restart attempts. It is only used under
// the supervisor lock.
type restartPolicy struct {
	config   Config
	logger   logging.Logger
	attempts int
}

type restartDecision struct {
	restart bool
	attempt int // 1-based attempt number when restarting
	delay   time.Duration
	reason  *errors.DomainError // why no restart happens
}

// run describes the run that just ended
type run struct {
	uptime    time.Duration
	automatic bool // the run was itself an automatic restart
}

func newRestartPolicy(config Config, logger logging.Logger) *restartPolicy {
	return &restartPolicy{config: config, logger: logger}
}

func (p *restartPolicy) evaluate(r run, classification diagnostics.Classification) restartDecision {
	if p.config.StableUptime > 0 && r.uptime >= p.config.StableUptime && p.attempts > 0 {
		p.logger.Infof("Run was stable, resetting restart attempts, uptime: %v, previous attempts: %d", r.uptime, p.attempts)
		p.attempts = 0
	}

	if !classification.Recoverable {
		return restartDecision{
			reason: errors.NewProcessTerminatedError(classification.Message, nil).
				WithContext("category", string(classification.Category)),
		}
	}

	if !r.automatic && r.uptime < p.config.StartupGracePeriod {
		return restartDecision{
			reason: errors.NewProcessTerminatedError(
				fmt.Sprintf("exited %v after launch, within startup grace period: %s",
					r.uptime.Round(time.Millisecond), classification.Message), nil).
				WithContext("category", string(classification.Category)),
		}
	}

	if p.attempts >= p.config.MaxRestarts {
		p.logger.Errorf("Max restart attempts exceeded, attempts: %d, max: %d", p.attempts, p.config.MaxRestarts)
		return restartDecision{
			reason: errors.NewRestartLimitExceededError(
				fmt.Sprintf("gave up after %d restart attempts: %s", p.attempts, classification.Message), nil).
				WithContext("attempts", p.attempts).
				WithContext("category", string(classification.Category)),
		}
	}

	delay := p.delay(p.attempts)
	p.attempts++
	return restartDecision{restart: true, attempt: p.attempts, delay: delay}
}

// delay is min(base * 2^attempt, max)
func (p *restartPolicy) delay(attempt int) time.Duration {
	delay := p.config.BaseDelay
	for i := 0; i < attempt && delay < p.config.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.config.MaxDelay {
		delay = p.config.MaxDelay
	}
	return delay
}

func (p *restartPolicy) reset() {
	if p.attempts > 0 {
		p.logger.Infof("Resetting restart attempts, previous attempts: %d", p.attempts)
	}
	p.attempts = 0
}
