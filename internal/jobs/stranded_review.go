package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eidos-exchange/eidos-escrow/pkg/alert"
)

// maxListed 告警消息中列出的对赌数量上限
const maxListed = 10

// StrandedReviewJob 巡检长时间未到终态或待复核的对赌
type StrandedReviewJob struct {
	recovery RecoveryService
	alerter  alert.Alerter
}

// NewStrandedReviewJob 创建巡检任务
func NewStrandedReviewJob(recovery RecoveryService, alerter alert.Alerter) *StrandedReviewJob {
	return &StrandedReviewJob{recovery: recovery, alerter: alerter}
}

func (j *StrandedReviewJob) Name() string { return JobNameStrandedReview }

func (j *StrandedReviewJob) Timeout() time.Duration { return 50 * time.Second }

// Execute 有发现时告警，存在待复核对赌时告警级别为 critical
func (j *StrandedReviewJob) Execute(ctx context.Context) (*Result, error) {
	stuck, err := j.recovery.FindStuckEscrows(ctx)
	if err != nil {
		return nil, err
	}
	result := &Result{Processed: len(stuck)}
	if len(stuck) == 0 {
		return result, nil
	}

	severity := alert.SeverityWarning
	var lines []string
	for i, s := range stuck {
		if s.NeedsReview {
			result.Flagged++
			severity = alert.SeverityCritical
		}
		if i < maxListed {
			line := fmt.Sprintf("%s status=%s age=%ds", s.WagerID, s.Status, s.AgeSeconds)
			if s.NeedsReview {
				line += fmt.Sprintf(" needs_review step=%s", s.FailedStep)
			}
			lines = append(lines, line)
		}
	}
	if len(stuck) > maxListed {
		lines = append(lines, fmt.Sprintf("... and %d more", len(stuck)-maxListed))
	}

	j.alerter.SendAsync(ctx, &alert.Alert{
		Title:    "Stranded escrow wagers",
		Message:  strings.Join(lines, "\n"),
		Severity: severity,
		Tags: map[string]string{
			"job":          j.Name(),
			"stuck":        fmt.Sprint(len(stuck)),
			"needs_review": fmt.Sprint(result.Flagged),
		},
	})
	return result, nil
}
