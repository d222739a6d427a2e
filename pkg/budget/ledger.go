// Package budget implements the per-project cost ledger: a pre-flight
// reservation gate over a monthly cap, and the append-only usage record
// store. Reservations live in memory; every one must end in exactly one
// Record or Refund.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrBudgetExceeded indicates the reservation would push the project past
// its monthly cap.
var ErrBudgetExceeded = errors.New("monthly budget exceeded")

// Ledger is the SQLite-backed budget ledger. defaultCap applies to projects
// created implicitly on first reference; 0 means unlimited.
type Ledger struct {
	db         *sqlx.DB
	defaultCap float64

	mu          sync.Mutex
	outstanding map[string]*Reservation // reservation id → reservation
	now         func() time.Time
}

// Reservation is a pre-commit placeholder counted against the project's
// quota until it is settled. Settling is idempotent: the first Record or
// Refund wins, later calls are no-ops.
type Reservation struct {
	ID        string
	ProjectID string
	Estimate  float64

	ledger  *Ledger
	settled bool
}

// NewLedger creates the ledger.
func NewLedger(db *sqlx.DB, defaultCapUSD float64) *Ledger {
	return &Ledger{
		db:          db,
		defaultCap:  defaultCapUSD,
		outstanding: make(map[string]*Reservation),
		now:         time.Now,
	}
}

// Reserve places a hold of estCost USD against the project's monthly cap.
// The quota check compares committed spend plus all outstanding
// reservations plus the new estimate against the cap.
func (l *Ledger) Reserve(ctx context.Context, projectID string, estCost float64) (*Reservation, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if estCost < 0 {
		return nil, fmt.Errorf("estimated cost must be non-negative, got %v", estCost)
	}

	cap, err := l.monthlyCap(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// The in-memory outstanding map is the serialization point for
	// concurrent reservations on one project; committed spend is read
	// inside the critical section so two reservations cannot both pass
	// against the same headroom.
	l.mu.Lock()
	defer l.mu.Unlock()

	if cap != nil {
		committed, err := l.committedThisMonth(ctx, projectID)
		if err != nil {
			return nil, err
		}
		outstanding := l.outstandingLocked(projectID)
		if committed+outstanding+estCost > *cap {
			return nil, ErrBudgetExceeded
		}
	}

	r := &Reservation{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Estimate:  estCost,
		ledger:    l,
	}
	l.outstanding[r.ID] = r
	return r, nil
}

// Record settles the reservation with the actual usage and commits an
// append-only usage record atomically.
func (r *Reservation) Record(ctx context.Context, model string, usage models.Usage, costUSD float64, source models.Source) error {
	l := r.ledger

	l.mu.Lock()
	if r.settled {
		l.mu.Unlock()
		return nil
	}
	r.settled = true
	delete(l.outstanding, r.ID)
	l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_records (project_id, timestamp, model, input_tokens, output_tokens, cost_usd, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ProjectID, l.now().UTC(), model, usage.InputTokens, usage.OutputTokens, costUSD, string(source))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Refund releases the reservation without recording usage.
func (r *Reservation) Refund() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	delete(l.outstanding, r.ID)
}

// OutstandingTotal returns the sum of unsettled reservations for a project.
func (l *Ledger) OutstandingTotal(projectID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstandingLocked(projectID)
}

// OutstandingCount returns the number of unsettled reservations across all
// projects, exposed for the deep health endpoint.
func (l *Ledger) OutstandingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outstanding)
}

// SetQuota sets (or clears, with nil) a project's monthly cap.
func (l *Ledger) SetQuota(ctx context.Context, projectID string, capUSD *float64) error {
	if err := l.ensureProject(ctx, projectID); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET monthly_cap_usd = ? WHERE project_id = ?`, capUSD, projectID)
	if err != nil {
		return fmt.Errorf("failed to set quota: %w", err)
	}
	return nil
}

// ModelUsage is a per-model aggregate line.
type ModelUsage struct {
	Model        string  `db:"model" json:"model"`
	InputTokens  int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
	CostUSD      float64 `db:"cost_usd" json:"cost_usd"`
	Requests     int64   `db:"requests" json:"requests"`
}

// UsageSummary aggregates a project's usage for one period.
type UsageSummary struct {
	ProjectID      string       `json:"project_id"`
	Period         string       `json:"period"`
	InputTokens    int64        `json:"input_tokens"`
	OutputTokens   int64        `json:"output_tokens"`
	CostUSD        float64      `json:"cost_usd"`
	Requests       int64        `json:"requests"`
	MonthlyCapUSD  *float64     `json:"monthly_cap_usd,omitempty"`
	OutstandingUSD float64      `json:"outstanding_usd"`
	ByModel        []ModelUsage `json:"by_model"`
}

// Usage aggregates recorded usage for the given "YYYY-MM" period. An empty
// period means the current month.
func (l *Ledger) Usage(ctx context.Context, projectID, period string) (*UsageSummary, error) {
	start, end, err := periodBounds(period, l.now().UTC())
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{
		ProjectID:      projectID,
		Period:         start.Format("2006-01"),
		OutstandingUSD: l.OutstandingTotal(projectID),
	}

	err = l.db.QueryRowxContext(ctx,
		`SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		        COALESCE(SUM(cost_usd),0), COUNT(*)
		 FROM usage_records WHERE project_id = ? AND timestamp >= ? AND timestamp < ?`,
		projectID, start, end).
		Scan(&summary.InputTokens, &summary.OutputTokens, &summary.CostUSD, &summary.Requests)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	err = l.db.SelectContext(ctx, &summary.ByModel,
		`SELECT model, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens,
		        SUM(cost_usd) AS cost_usd, COUNT(*) AS requests
		 FROM usage_records WHERE project_id = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY model ORDER BY model`,
		projectID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage by model: %w", err)
	}

	cap, err := l.monthlyCap(ctx, projectID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read monthly cap for usage summary",
			"project_id", projectID, "error", err)
	} else {
		summary.MonthlyCapUSD = cap
	}

	return summary, nil
}

// monthlyCap returns the project's cap, creating the project implicitly on
// first reference. nil means unlimited.
func (l *Ledger) monthlyCap(ctx context.Context, projectID string) (*float64, error) {
	if err := l.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}
	var cap sql.NullFloat64
	err := l.db.GetContext(ctx, &cap,
		`SELECT monthly_cap_usd FROM budgets WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget: %w", err)
	}
	if !cap.Valid {
		return nil, nil
	}
	return &cap.Float64, nil
}

func (l *Ledger) ensureProject(ctx context.Context, projectID string) error {
	var cap any
	if l.defaultCap > 0 {
		cap = l.defaultCap
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO budgets (project_id, monthly_cap_usd, created_at)
		 VALUES (?, ?, ?) ON CONFLICT(project_id) DO NOTHING`,
		projectID, cap, l.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure project: %w", err)
	}
	return nil
}

func (l *Ledger) committedThisMonth(ctx context.Context, projectID string) (float64, error) {
	start, end, _ := periodBounds("", l.now().UTC())
	var committed float64
	err := l.db.GetContext(ctx, &committed,
		`SELECT COALESCE(SUM(cost_usd),0) FROM usage_records
		 WHERE project_id = ? AND timestamp >= ? AND timestamp < ?`,
		projectID, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to sum committed cost: %w", err)
	}
	return committed, nil
}

func (l *Ledger) outstandingLocked(projectID string) float64 {
	var total float64
	for _, r := range l.outstanding {
		if r.ProjectID == projectID {
			total += r.Estimate
		}
	}
	return total
}

func periodBounds(period string, now time.Time) (time.Time, time.Time, error) {
	var start time.Time
	if period == "" {
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01", period)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q: must be YYYY-MM", period)
		}
		start = parsed
	}
	return start, start.AddDate(0, 1, 0), nil
}
