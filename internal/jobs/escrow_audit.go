package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eidos-exchange/eidos-escrow/pkg/alert"
)

// EscrowAuditJob 核对近期终态对赌的托管钱包是否残留资金
type EscrowAuditJob struct {
	recovery RecoveryService
	alerter  alert.Alerter
	window   time.Duration
	clock    func() time.Time
}

// NewEscrowAuditJob window 为回看时长，默认 24 小时
func NewEscrowAuditJob(recovery RecoveryService, alerter alert.Alerter, window time.Duration) *EscrowAuditJob {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &EscrowAuditJob{recovery: recovery, alerter: alerter, window: window, clock: time.Now}
}

func (j *EscrowAuditJob) Name() string { return JobNameEscrowAudit }

func (j *EscrowAuditJob) Timeout() time.Duration { return 10 * time.Minute }

func (j *EscrowAuditJob) Execute(ctx context.Context) (*Result, error) {
	report, err := j.recovery.VerifyAllEscrows(ctx, j.clock().Add(-j.window))
	if err != nil {
		return nil, err
	}
	result := &Result{
		Processed: report.Checked,
		Flagged:   len(report.Residuals),
		Errors:    len(report.Errors),
	}
	if len(report.Residuals) == 0 && len(report.Errors) == 0 {
		return result, nil
	}

	var lines []string
	for i, r := range report.Residuals {
		if i == maxListed {
			lines = append(lines, fmt.Sprintf("... and %d more", len(report.Residuals)-maxListed))
			break
		}
		lines = append(lines, fmt.Sprintf("%s %s %s balance=%s", r.WagerID, r.Role, r.Address, r.Balance))
	}
	for _, e := range report.Errors {
		lines = append(lines, "error: "+e)
	}

	severity := alert.SeverityWarning
	if len(report.Residuals) > 0 {
		severity = alert.SeverityCritical
	}
	j.alerter.SendAsync(ctx, &alert.Alert{
		Title:    "Escrow balance audit",
		Message:  strings.Join(lines, "\n"),
		Severity: severity,
		Tags: map[string]string{
			"job":            j.Name(),
			"checked":        fmt.Sprint(report.Checked),
			"residuals":      fmt.Sprint(len(report.Residuals)),
			"total_residual": report.TotalResidual.String(),
		},
	})
	return result, nil
}
