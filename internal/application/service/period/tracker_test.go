package period

import (
	"testing"
	"time"

	calendar "tradesim/internal/domain/entity/calendar"
	trading "tradesim/internal/domain/entity/trading"
)

func minute(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func newTracker(t *testing.T, start time.Time) *Tracker {
	t.Helper()
	tr, err := New(calendar.MOEX(), calendar.Classes(), start, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestTrackerWeekendIsClosed(t *testing.T) {
	tr := newTracker(t, minute(2023, 6, 3, 10, 0))

	if !tr.ExchangeClosed() {
		t.Fatal("saturday should report the exchange closed")
	}
	for _, class := range calendar.Classes() {
		if got := tr.Session(class); got != trading.SessionClosed {
			t.Errorf("session for %s = %v, want closed", class, got)
		}
		if got := tr.Auction(class); got != trading.AuctionClosed {
			t.Errorf("auction for %s = %v, want closed", class, got)
		}
	}
}

func TestTrackerOpeningAuctionMinute(t *testing.T) {
	tr := newTracker(t, minute(2023, 6, 1, 6, 59))

	if got := tr.Session(calendar.ClassShare); got != trading.SessionMain {
		t.Fatalf("share session = %v, want main", got)
	}
	if got := tr.Auction(calendar.ClassShare); got != trading.AuctionOpening {
		t.Fatalf("share auction = %v, want opening", got)
	}
	// Futures main session runs continuously at this minute.
	if got := tr.Auction(calendar.ClassFuture); got != trading.AuctionTwoSided {
		t.Fatalf("future auction = %v, want two-sided", got)
	}
}

func TestTrackerClosingAuctionMinute(t *testing.T) {
	// Before July 2022 the futures main session carried a closing auction in
	// its final minute.
	tr := newTracker(t, minute(2022, 6, 1, 16, 49))

	if got := tr.Session(calendar.ClassFuture); got != trading.SessionMain {
		t.Fatalf("future session = %v, want main", got)
	}
	if got := tr.Auction(calendar.ClassFuture); got != trading.AuctionClosing {
		t.Fatalf("future auction = %v, want closing", got)
	}
}

func TestTrackerBreakMinute(t *testing.T) {
	tr := newTracker(t, minute(2023, 6, 1, 15, 40))

	if got := tr.Session(calendar.ClassShare); got != trading.SessionClosed {
		t.Fatalf("share session during break = %v, want closed", got)
	}
	if !tr.OnBreak() {
		t.Fatal("OnBreak should report the clearing break")
	}
}

func TestTrackerAdvanceSteps(t *testing.T) {
	tr := newTracker(t, minute(2023, 6, 1, 6, 58))

	if got := tr.Session(calendar.ClassShare); got != trading.SessionClosed {
		t.Fatalf("pre-open share session = %v, want closed", got)
	}

	if err := tr.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !tr.Now().Equal(minute(2023, 6, 1, 6, 59)) {
		t.Fatalf("Now = %s, want 06:59", tr.Now())
	}
	if got := tr.Auction(calendar.ClassShare); got != trading.AuctionOpening {
		t.Fatalf("share auction = %v, want opening", got)
	}

	if err := tr.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := tr.Auction(calendar.ClassShare); got != trading.AuctionTwoSided {
		t.Fatalf("share auction = %v, want two-sided", got)
	}
}

func TestReadyToTradeAuctionGating(t *testing.T) {
	tr := newTracker(t, minute(2023, 6, 1, 6, 59))

	sessions := []trading.SessionPhase{trading.SessionMain}
	classes := []calendar.InstrumentClass{calendar.ClassShare}

	if tr.ReadyToTrade(sessions, classes, false, false) {
		t.Fatal("opening auction minute should not be ready without includeOpening")
	}
	if !tr.ReadyToTrade(sessions, classes, true, false) {
		t.Fatal("opening auction minute should be ready with includeOpening")
	}
	if tr.ReadyToTrade([]trading.SessionPhase{trading.SessionAfterhours}, classes, true, true) {
		t.Fatal("main session minute must not satisfy an afterhours-only filter")
	}
}
