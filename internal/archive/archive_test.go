package archive

import (
	"testing"
	"time"

	"mtfleet/internal/domain"
)

func sampleDeal(ticket int64, profit float64, closeAt time.Time) domain.Trade {
	return domain.Trade{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Direction:  domain.DirectionBuy,
		Volume:     0.5,
		EntryPrice: 1.1000,
		ClosePrice: 1.1050,
		Profit:     profit,
		OpenTime:   closeAt.Add(-time.Hour),
		CloseTime:  closeAt,
	}
}

func TestWriteReadDay(t *testing.T) {
	a := New(t.TempDir())
	day := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)

	deals := []domain.Trade{
		sampleDeal(2, -10, day.Add(time.Hour)),
		sampleDeal(1, 25, day),
	}
	if err := a.WriteDay(3, "2026-09-01", deals); err != nil {
		t.Fatalf("WriteDay: %v", err)
	}

	got, err := a.ReadDay(3, "2026-09-01")
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadDay returned %d deals, want 2", len(got))
	}
	// Sorted by close time.
	if got[0].Ticket != 1 || got[1].Ticket != 2 {
		t.Errorf("order = %d, %d; want 1, 2", got[0].Ticket, got[1].Ticket)
	}
	if got[0].Profit != 25 || got[0].Symbol != "EURUSD" {
		t.Errorf("deal round trip = %+v", got[0])
	}
	if !got[0].CloseTime.Equal(day) {
		t.Errorf("close time = %v, want %v", got[0].CloseTime, day)
	}
}

func TestWriteDayMergesByTicket(t *testing.T) {
	a := New(t.TempDir())
	day := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

	if err := a.WriteDay(2, "2026-09-01", []domain.Trade{
		sampleDeal(1, 10, day),
		sampleDeal(2, 20, day.Add(time.Minute)),
	}); err != nil {
		t.Fatal(err)
	}

	// Second poll of the same day repeats ticket 2 with a corrected profit
	// and adds ticket 3.
	if err := a.WriteDay(2, "2026-09-01", []domain.Trade{
		sampleDeal(2, 22, day.Add(time.Minute)),
		sampleDeal(3, 30, day.Add(2*time.Minute)),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := a.ReadDay(2, "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("deals after merge = %d, want 3", len(got))
	}
	for _, d := range got {
		if d.Ticket == 2 && d.Profit != 22 {
			t.Errorf("ticket 2 profit = %v, want updated 22", d.Profit)
		}
	}
}

func TestReadDayMissing(t *testing.T) {
	a := New(t.TempDir())
	got, err := a.ReadDay(5, "2026-01-01")
	if err != nil {
		t.Fatalf("ReadDay on missing file: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadDay on missing file returned %d deals", len(got))
	}
}

func TestListDays(t *testing.T) {
	a := New(t.TempDir())
	day := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

	for i, date := range []string{"2026-09-02", "2026-09-01"} {
		if err := a.WriteDay(4, date, []domain.Trade{sampleDeal(int64(i+1), 5, day)}); err != nil {
			t.Fatal(err)
		}
	}

	days, err := a.ListDays(4)
	if err != nil {
		t.Fatalf("ListDays: %v", err)
	}
	if len(days) != 2 || days[0] != "2026-09-01" || days[1] != "2026-09-02" {
		t.Errorf("ListDays = %v", days)
	}

	if days, err := a.ListDays(9); err != nil || days != nil {
		t.Errorf("ListDays for unknown terminal = %v, %v", days, err)
	}
}
