// internal/reporting/aggregate.go
package reporting

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

const popularLimit = 10

type WeeklyStats struct {
	Total       int
	Returned    int
	Outstanding int
	Overdue     int
}

// ComputeWeekly summarises loans as of now.
func ComputeWeekly(loans []Loan, now time.Time) WeeklyStats {
	var s WeeklyStats
	for _, l := range loans {
		s.Total++
		if l.IsReturned {
			s.Returned++
			continue
		}
		s.Outstanding++
		if l.DueDate.Before(now) {
			s.Overdue++
		}
	}
	return s
}

type PopularBook struct {
	BookID    uuid.UUID
	Title     string
	Author    string
	Checkouts int
}

type MonthlyStats struct {
	TotalCheckouts int
	ActivePatrons  int
	Overdue        int
	AverageDays    float64
	Popular        []PopularBook
}

// ComputeMonthly summarises the loans of a period. overdue is the number of
// open overdue loans at now, whenever they started. Open loans count as
// lasting until now. Books missing from books are left out of Popular.
func ComputeMonthly(loans []Loan, overdue int, books map[uuid.UUID]Book, now time.Time) MonthlyStats {
	s := MonthlyStats{TotalCheckouts: len(loans), Overdue: overdue}

	patrons := map[uuid.UUID]struct{}{}
	counts := map[uuid.UUID]int{}
	var total time.Duration
	for _, l := range loans {
		patrons[l.PatronID] = struct{}{}
		counts[l.BookID]++

		end := now
		if l.ReturnDate != nil {
			end = *l.ReturnDate
		}
		total += end.Sub(l.CheckoutDate)
	}
	s.ActivePatrons = len(patrons)
	if len(loans) > 0 {
		s.AverageDays = total.Hours() / 24 / float64(len(loans))
	}

	for id, n := range counts {
		b, ok := books[id]
		if !ok {
			continue
		}
		s.Popular = append(s.Popular, PopularBook{BookID: id, Title: b.Title, Author: b.Author, Checkouts: n})
	}
	sort.Slice(s.Popular, func(i, j int) bool {
		a, b := s.Popular[i], s.Popular[j]
		if a.Checkouts != b.Checkouts {
			return a.Checkouts > b.Checkouts
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.BookID.String() < b.BookID.String()
	})
	if len(s.Popular) > popularLimit {
		s.Popular = s.Popular[:popularLimit]
	}
	return s
}

// DaysOverdue counts whole days past due, never negative.
func DaysOverdue(due, now time.Time) int {
	if !due.Before(now) {
		return 0
	}
	return int(now.Sub(due) / (24 * time.Hour))
}

// patronGroup is the loans of one patron in first-seen order.
type patronGroup struct {
	PatronID uuid.UUID
	Loans    []Loan
}

func groupByPatron(loans []Loan) []patronGroup {
	index := map[uuid.UUID]int{}
	var groups []patronGroup
	for _, l := range loans {
		i, ok := index[l.PatronID]
		if !ok {
			i = len(groups)
			index[l.PatronID] = i
			groups = append(groups, patronGroup{PatronID: l.PatronID})
		}
		groups[i].Loans = append(groups[i].Loans, l)
	}
	return groups
}

func bookIDs(loans []Loan) []uuid.UUID {
	return distinct(loans, func(l Loan) uuid.UUID { return l.BookID })
}

func patronIDs(loans []Loan) []uuid.UUID {
	return distinct(loans, func(l Loan) uuid.UUID { return l.PatronID })
}

func distinct(loans []Loan, key func(Loan) uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for _, l := range loans {
		k := key(l)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
