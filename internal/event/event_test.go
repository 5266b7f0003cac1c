package event_test

import (
	"PrivateMarkets/internal/event"
	"testing"

	"github.com/google/uuid"
)

func TestEventType_NamesRoundTrip(t *testing.T) {
	for et := event.EventTypeMarketCreated; et <= event.EventTypeTokensRedeemed; et++ {
		name := et.String()
		if name == "Unknown" {
			t.Fatalf("type %d has no name", et)
		}
		back, ok := event.ParseEventType(name)
		if !ok || back != et {
			t.Errorf("%s: parsed back to %d", name, back)
		}
	}
}

func TestDecode_PreservesPayload(t *testing.T) {
	id := uuid.New()
	handle := uuid.New()
	in := &event.BatchCleared{
		Base:          event.Base{MarketID: id, At: 42},
		Handle:        &handle,
		ClearingPrice: 700,
		FilledYes:     150,
		FilledNo:      700,
	}
	data, err := event.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := event.Decode(event.EventTypeBatchCleared, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	bc, ok := out.(*event.BatchCleared)
	if !ok {
		t.Fatalf("got %T", out)
	}
	if bc.Market() != id || bc.Time() != 42 || *bc.Handle != handle || bc.FilledNo != 700 {
		t.Errorf("got %+v", bc)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := event.Decode(event.EventTypeUnknown, []byte("{}")); err == nil {
		t.Error("expected error")
	}
}
