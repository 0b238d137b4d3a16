// internal/reporting/jobs.go

// Package reporting runs the periodic jobs over the checkout ledger:
// patron notices and the weekly and monthly workbooks.
package reporting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/notify"
)

const (
	JobOverdueNotices   = "overdue-notices"
	JobDueSoonNotices   = "due-soon-notices"
	JobWeeklyReport     = "weekly-report"
	JobMonthlyAnalytics = "monthly-analytics"
)

// Names lists every job in a stable order.
func Names() []string {
	return []string{JobOverdueNotices, JobDueSoonNotices, JobWeeklyReport, JobMonthlyAnalytics}
}

var ErrUnknownJob = errors.New("unknown job")

// Result is the outcome of one job run. Processed counts notices delivered
// or rows exported; Skipped counts patrons or loans left out because their
// book or patron is gone; Failed counts deliveries that errored. Deferred
// counts patrons the send rate could not reach before the run's deadline;
// the next run of the same job starts with them.
type Result struct {
	Job       string        `json:"job"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Files     []string      `json:"files,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type Option func(*Reporter)

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithLimiter replaces the delivery rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(r *Reporter) { r.limiter = l }
}

// WithSleep replaces how the reporter waits for the send rate. It pairs
// with WithClock.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Reporter) { r.sleep = sleep }
}

type Reporter struct {
	opener   Opener
	mailer   notify.Mailer
	renderer *notify.Renderer
	limiter  *rate.Limiter
	dir      string
	window   time.Duration
	timeout  time.Duration
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	log      *slog.Logger

	mu sync.Mutex
	// resume holds, per notice job, the first patron a run had to defer.
	resume map[string]uuid.UUID
}

func NewReporter(opener Opener, mailer notify.Mailer, renderer *notify.Renderer, cfg config.JobsConfig, log *slog.Logger, opts ...Option) *Reporter {
	perMinute := cfg.NoticeRatePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	r := &Reporter{
		opener:   opener,
		mailer:   mailer,
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		dir:      cfg.ReportsDir,
		window:   cfg.DueSoonWindow,
		timeout:  cfg.Timeout,
		now:      time.Now,
		sleep:    sleep,
		log:      log,
		resume:   map[string]uuid.UUID{},
	}
	if r.window <= 0 {
		r.window = 48 * time.Hour
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Minute
	}
	if r.dir == "" {
		r.dir = "reports"
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the named job under the per-run timeout and logs its result.
func (r *Reporter) Run(ctx context.Context, name string) (Result, error) {
	var job func(context.Context) (Result, error)
	switch name {
	case JobOverdueNotices:
		job = r.OverdueNotices
	case JobDueSoonNotices:
		job = r.DueSoonNotices
	case JobWeeklyReport:
		job = r.WeeklyReport
	case JobMonthlyAnalytics:
		job = r.MonthlyAnalytics
	default:
		return Result{Job: name}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res, err := job(ctx)
	res.Job = name
	res.Duration = time.Since(start)
	if err != nil {
		r.log.ErrorContext(ctx, "job failed", "job", name, "error", err, "processed", res.Processed)
		return res, err
	}
	r.log.InfoContext(ctx, "job finished", "job", name,
		"processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed,
		"deferred", res.Deferred, "files", res.Files, "duration", res.Duration)
	return res, nil
}

// OverdueNotices mails each patron one notice listing all their overdue
// loans.
func (r *Reporter) OverdueNotices(ctx context.Context) (Result, error) {
	now := r.now().UTC()
	return r.notify(ctx, JobOverdueNotices, Window{Before: &now},
		func(p Patron, loans []Loan, books map[uuid.UUID]Book) (notify.Message, int, error) {
			notice := notify.OverdueNotice{PatronName: p.Name}
			for _, l := range loans {
				b, ok := books[l.BookID]
				if !ok {
					continue
				}
				notice.Books = append(notice.Books, notify.OverdueItem{
					Title: b.Title, Author: b.Author, DueDate: l.DueDate, DaysOverdue: DaysOverdue(l.DueDate, now),
				})
			}
			if len(notice.Books) == 0 {
				return notify.Message{}, 0, nil
			}
			msg, err := r.renderer.OverdueNotice(p.Email, notice)
			return msg, len(notice.Books), err
		})
}

// DueSoonNotices reminds patrons of loans due within the configured window.
func (r *Reporter) DueSoonNotices(ctx context.Context) (Result, error) {
	now := r.now().UTC()
	until := now.Add(r.window)
	return r.notify(ctx, JobDueSoonNotices, Window{From: &now, Before: &until},
		func(p Patron, loans []Loan, books map[uuid.UUID]Book) (notify.Message, int, error) {
			notice := notify.DueSoonNotice{PatronName: p.Name}
			for _, l := range loans {
				b, ok := books[l.BookID]
				if !ok {
					continue
				}
				notice.Books = append(notice.Books, notify.DueSoonItem{Title: b.Title, Author: b.Author, DueDate: l.DueDate})
			}
			if len(notice.Books) == 0 {
				return notify.Message{}, 0, nil
			}
			msg, err := r.renderer.DueSoonNotice(p.Email, notice)
			return msg, len(notice.Books), err
		})
}

// compose builds one patron's message. A zero item count means there is
// nothing left to tell the patron.
type compose func(p Patron, loans []Loan, books map[uuid.UUID]Book) (msg notify.Message, items int, err error)

func (r *Reporter) notify(ctx context.Context, job string, w Window, build compose) (Result, error) {
	res := Result{Job: job}

	// Sending may take minutes; the session is held only for the reads.
	loans, books, patrons, err := r.loadOpen(ctx, w)
	if err != nil {
		return res, err
	}

	groups := r.rotate(job, groupByPatron(loans))
	sendBy := r.sendBy(ctx)
	r.log.InfoContext(ctx, "sending notices", "job", job, "loans", len(loans), "patrons", len(groups), "send_by", sendBy)

	for i, g := range groups {
		patron, ok := patrons[g.PatronID]
		if !ok {
			r.log.WarnContext(ctx, "patron not found, skipping", "job", job, "patron_id", g.PatronID)
			res.Skipped++
			continue
		}
		for _, l := range g.Loans {
			if _, ok := books[l.BookID]; !ok {
				r.log.WarnContext(ctx, "book not found, leaving it out", "job", job, "book_id", l.BookID, "checkout_id", l.ID)
			}
		}

		msg, items, err := build(patron, g.Loans, books)
		if err != nil {
			r.log.ErrorContext(ctx, "failed to render notice", "job", job, "patron_id", patron.ID, "error", err)
			res.Failed++
			continue
		}
		if items == 0 {
			res.Skipped++
			continue
		}

		ok, err = r.reserve(ctx, sendBy)
		if err != nil {
			return res, fmt.Errorf("waiting to send: %w", err)
		}
		if !ok {
			res.Deferred = len(groups) - i
			r.setResume(job, g.PatronID)
			r.log.WarnContext(ctx, "send rate exhausted, deferring the rest to the next run",
				"job", job, "deferred", res.Deferred, "resume_at", g.PatronID)
			return res, nil
		}
		if err := r.mailer.Send(ctx, msg); err != nil {
			r.log.ErrorContext(ctx, "failed to send notice", "job", job, "patron_id", patron.ID, "error", err)
			res.Failed++
			continue
		}
		r.log.DebugContext(ctx, "notice sent", "job", job, "patron_id", patron.ID, "items", items)
		res.Processed++
	}
	r.setResume(job, uuid.Nil)
	return res, nil
}

func (r *Reporter) loadOpen(ctx context.Context, w Window) ([]Loan, map[uuid.UUID]Book, map[uuid.UUID]Patron, error) {
	sess, err := r.opener.Open(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	defer sess.Close()

	loans, err := sess.OpenLoans(ctx, w)
	if err != nil {
		return nil, nil, nil, err
	}
	books, err := sess.Books(ctx, bookIDs(loans))
	if err != nil {
		return nil, nil, nil, err
	}
	patrons, err := sess.Patrons(ctx, patronIDs(loans))
	if err != nil {
		return nil, nil, nil, err
	}
	return loans, books, patrons, nil
}

// sendBy is the last instant on the reporter's clock at which a notice may
// still go out: the per-run timeout, or the caller's deadline when sooner.
func (r *Reporter) sendBy(ctx context.Context) time.Time {
	start := r.now()
	limit := start.Add(r.timeout)
	if dl, ok := ctx.Deadline(); ok {
		if at := start.Add(time.Until(dl)); at.Before(limit) {
			limit = at
		}
	}
	return limit
}

// reserve takes one send from the limiter and waits for it. It reports false,
// without consuming anything, when the send could not happen before sendBy.
// A cancelled context is a job-wide failure.
func (r *Reporter) reserve(ctx context.Context, sendBy time.Time) (bool, error) {
	at := r.now()
	rsv := r.limiter.ReserveN(at, 1)
	if !rsv.OK() {
		return false, nil
	}
	delay := rsv.DelayFrom(at)
	if at.Add(delay).After(sendBy) {
		rsv.CancelAt(at)
		return false, nil
	}
	if err := r.sleep(ctx, delay); err != nil {
		rsv.CancelAt(r.now())
		return false, err
	}
	return true, nil
}

// rotate orders the groups by patron and starts at the patron an earlier
// run deferred, so a backlog is worked through instead of starved.
func (r *Reporter) rotate(job string, groups []patronGroup) []patronGroup {
	sort.Slice(groups, func(i, j int) bool {
		return bytes.Compare(groups[i].PatronID[:], groups[j].PatronID[:]) < 0
	})
	r.mu.Lock()
	from := r.resume[job]
	r.mu.Unlock()
	if from == uuid.Nil {
		return groups
	}
	i := sort.Search(len(groups), func(i int) bool {
		return bytes.Compare(groups[i].PatronID[:], from[:]) >= 0
	})
	return append(groups[i:len(groups):len(groups)], groups[:i]...)
}

func (r *Reporter) setResume(job string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == uuid.Nil {
		delete(r.resume, job)
		return
	}
	r.resume[job] = id
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WeeklyReport exports the loans started in the last seven days.
func (r *Reporter) WeeklyReport(ctx context.Context) (Result, error) {
	res := Result{Job: JobWeeklyReport}
	now := r.now().UTC()

	sess, err := r.opener.Open(ctx)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	loans, err := sess.LoansSince(ctx, now.AddDate(0, 0, -7))
	if err != nil {
		return res, err
	}
	books, err := sess.Books(ctx, bookIDs(loans))
	if err != nil {
		return res, err
	}
	patrons, err := sess.Patrons(ctx, patronIDs(loans))
	if err != nil {
		return res, err
	}

	rows := [][]any{{"Book Title", "Book Author", "Patron Name", "Checkout Date", "Due Date", "Returned", "Return Date"}}
	for _, l := range loans {
		b, okBook := books[l.BookID]
		p, okPatron := patrons[l.PatronID]
		if !okBook || !okPatron {
			res.Skipped++
			continue
		}
		var returned any = ""
		if l.ReturnDate != nil {
			returned = l.ReturnDate.UTC()
		}
		rows = append(rows, []any{b.Title, b.Author, p.Name, l.CheckoutDate.UTC(), l.DueDate.UTC(), l.IsReturned, returned})
		res.Processed++
	}

	stats := ComputeWeekly(loans, now)
	path, err := r.reportPath("weekly_report_" + now.Format("20060102") + ".xlsx")
	if err != nil {
		return res, err
	}
	err = writeWorkbook(path,
		sheet{name: "Checkouts", rows: rows},
		sheet{name: "Statistics", rows: [][]any{
			{"Metric", "Value"},
			{"Total Checkouts", stats.Total},
			{"Books Returned", stats.Returned},
			{"Books Outstanding", stats.Outstanding},
			{"Overdue Books", stats.Overdue},
		}},
	)
	if err != nil {
		return res, err
	}
	res.Files = append(res.Files, path)
	return res, nil
}

// MonthlyAnalytics summarises the trailing thirty days.
func (r *Reporter) MonthlyAnalytics(ctx context.Context) (Result, error) {
	res := Result{Job: JobMonthlyAnalytics}
	now := r.now().UTC()

	sess, err := r.opener.Open(ctx)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	loans, err := sess.LoansSince(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		return res, err
	}
	overdue, err := sess.OpenLoans(ctx, Window{Before: &now})
	if err != nil {
		return res, err
	}
	books, err := sess.Books(ctx, bookIDs(loans))
	if err != nil {
		return res, err
	}

	stats := ComputeMonthly(loans, len(overdue), books, now)
	popular := [][]any{{"Title", "Author", "Checkouts"}}
	for _, b := range stats.Popular {
		popular = append(popular, []any{b.Title, b.Author, b.Checkouts})
	}

	path, err := r.reportPath("monthly_analytics_" + now.Format("200601") + ".xlsx")
	if err != nil {
		return res, err
	}
	err = writeWorkbook(path,
		sheet{name: "Summary", rows: [][]any{
			{"Metric", "Value"},
			{"Total Checkouts", stats.TotalCheckouts},
			{"Active Patrons", stats.ActivePatrons},
			{"Overdue Books", stats.Overdue},
			{"Average Checkout Duration (days)", roundTenth(stats.AverageDays)},
		}},
		sheet{name: "Popular Books", rows: popular},
	)
	if err != nil {
		return res, err
	}
	res.Processed = stats.TotalCheckouts
	res.Files = append(res.Files, path)
	return res, nil
}

func (r *Reporter) reportPath(name string) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %w", err)
	}
	return filepath.Join(r.dir, name), nil
}

func roundTenth(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

// ListReports returns the workbooks in the reports directory, newest name
// first.
func (r *Reporter) ListReports() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.xlsx"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}
