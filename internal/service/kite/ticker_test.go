package kite_test

import (
	"encoding/binary"
	"testing"

	"github.com/krobus00/ticker-gateway/internal/service/kite"
)

func buildFrame(packets ...[]byte) []byte {
	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, uint16(len(packets)))

	for _, packet := range packets {
		lenPrefix := make([]byte, 2)
		binary.BigEndian.PutUint16(lenPrefix, uint16(len(packet)))
		frame = append(frame, lenPrefix...)
		frame = append(frame, packet...)
	}

	return frame
}

func ltpPacket(token uint32, pricePaise int32) []byte {
	packet := make([]byte, 8)
	binary.BigEndian.PutUint32(packet[0:4], token)
	binary.BigEndian.PutUint32(packet[4:8], uint32(pricePaise))
	return packet
}

func indexPacket(token uint32, pricePaise, prevClosePaise int32) []byte {
	packet := make([]byte, 28)
	binary.BigEndian.PutUint32(packet[0:4], token)
	binary.BigEndian.PutUint32(packet[4:8], uint32(pricePaise))
	binary.BigEndian.PutUint32(packet[20:24], uint32(prevClosePaise))
	return packet
}

func quotePacket(token uint32, pricePaise int32, volume uint32, closePaise int32) []byte {
	packet := make([]byte, 44)
	binary.BigEndian.PutUint32(packet[0:4], token)
	binary.BigEndian.PutUint32(packet[4:8], uint32(pricePaise))
	binary.BigEndian.PutUint32(packet[16:20], volume)
	binary.BigEndian.PutUint32(packet[40:44], uint32(closePaise))
	return packet
}

func TestParseBinary_LTPPacket(t *testing.T) {
	frame := buildFrame(ltpPacket(738561, 285050))

	ticks := kite.ParseBinary(frame)
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}

	tick := ticks[0]
	if tick.Token != 738561 {
		t.Errorf("token = %d", tick.Token)
	}
	if tick.LastPrice != 2850.50 {
		t.Errorf("last price = %v, want 2850.50", tick.LastPrice)
	}
	if tick.PrevClose != tick.LastPrice {
		t.Errorf("ltp packet should fall back to last price for prev close, got %v", tick.PrevClose)
	}
}

func TestParseBinary_IndexPacket(t *testing.T) {
	frame := buildFrame(indexPacket(265, 8125000, 8100000))

	ticks := kite.ParseBinary(frame)
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}

	tick := ticks[0]
	if tick.LastPrice != 81250 {
		t.Errorf("last price = %v", tick.LastPrice)
	}
	if tick.PrevClose != 81000 {
		t.Errorf("prev close = %v, want 81000", tick.PrevClose)
	}
	if tick.Volume != 0 {
		t.Errorf("index packets carry no volume, got %d", tick.Volume)
	}
}

func TestParseBinary_QuotePacket(t *testing.T) {
	frame := buildFrame(quotePacket(2953217, 391000, 500000, 389000))

	ticks := kite.ParseBinary(frame)
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}

	tick := ticks[0]
	if tick.LastPrice != 3910 {
		t.Errorf("last price = %v", tick.LastPrice)
	}
	if tick.PrevClose != 3890 {
		t.Errorf("prev close = %v", tick.PrevClose)
	}
	if tick.Volume != 500000 {
		t.Errorf("volume = %d", tick.Volume)
	}
}

func TestParseBinary_MultiplePackets(t *testing.T) {
	frame := buildFrame(
		ltpPacket(1, 10000),
		quotePacket(2, 20000, 42, 19000),
	)

	ticks := kite.ParseBinary(frame)
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	if ticks[0].Token != 1 || ticks[1].Token != 2 {
		t.Errorf("tokens = %d, %d", ticks[0].Token, ticks[1].Token)
	}
}

func TestParseBinary_ZeroPrevCloseFallsBack(t *testing.T) {
	frame := buildFrame(quotePacket(7, 123450, 10, 0))

	ticks := kite.ParseBinary(frame)
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}
	if ticks[0].PrevClose != ticks[0].LastPrice {
		t.Errorf("zero prev close should fall back to last price, got %v", ticks[0].PrevClose)
	}
}

func TestParseBinary_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":           nil,
		"one byte":        {0x01},
		"count no body":   {0x00, 0x02},
		"truncated inner": {0x00, 0x01, 0x00, 0x2C, 0x00, 0x00},
	}

	for name, frame := range cases {
		if ticks := kite.ParseBinary(frame); len(ticks) != 0 {
			t.Errorf("%s: got %d ticks, want 0", name, len(ticks))
		}
	}
}
