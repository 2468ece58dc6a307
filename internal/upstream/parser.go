package upstream

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

// istOffset is the fixed IST offset the upstream's epoch-seconds timestamps
// are expressed in (spec §4.5.3: "source uses epoch seconds in IST;
// conversion is explicit").
const istOffset = 5*time.Hour + 30*time.Minute

// InstrumentTypeLookup resolves a token to an instrument type so the
// parser can distinguish an index's shorter packet from a regular one; it
// returns ok=false when the registry is cold (spec §4.5.3).
type InstrumentTypeLookup func(token int32) (instrumentType string, ok bool)

// Parser turns one or more binary packets from a single WS frame into
// normalized Ticks.
type Parser struct {
	lookup InstrumentTypeLookup
}

func NewParser(lookup InstrumentTypeLookup) *Parser {
	return &Parser{lookup: lookup}
}

// ParseFrame splits a binary frame into packets by its leading int16-LE
// length prefix and parses each one (spec §4.5.3).
func (p *Parser) ParseFrame(frame []byte) ([]domain.Tick, error) {
	var ticks []domain.Tick
	buf := frame
	for len(buf) >= 2 {
		packetLen := int(int16(binary.LittleEndian.Uint16(buf[0:2])))
		buf = buf[2:]
		if packetLen <= 0 || packetLen > len(buf) {
			return ticks, fmt.Errorf("malformed frame: packet length %d exceeds remaining %d bytes", packetLen, len(buf))
		}
		packet := buf[:packetLen]
		buf = buf[packetLen:]

		tick, err := p.parsePacket(packet)
		if err != nil {
			return ticks, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.b) - c.pos }

func (c *cursor) ascii(n int) string {
	if c.remaining() < n {
		return ""
	}
	s := string(c.b[c.pos : c.pos+n])
	c.pos += n
	return strings.TrimRight(s, "\x00 ")
}

func (c *cursor) int32() int32 {
	if c.remaining() < 4 {
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(c.b[c.pos : c.pos+4]))
	c.pos += 4
	return v
}

func (c *cursor) int64() int64 {
	if c.remaining() < 8 {
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(c.b[c.pos : c.pos+8]))
	c.pos += 8
	return v
}

func (c *cursor) float64() float64 {
	if c.remaining() < 8 {
		return 0
	}
	bits := binary.LittleEndian.Uint64(c.b[c.pos : c.pos+8])
	c.pos += 8
	return math.Float64frombits(bits)
}

// parsePacket dispatches by declared length per spec §4.5.3. Field counts
// are read in declared order; any trailing bytes beyond the last field
// read are not inspected, since the 2-byte prefix already framed the
// packet and is the sole authority on where the next packet starts.
func (p *Parser) parsePacket(packet []byte) (domain.Tick, error) {
	c := &cursor{b: packet}

	exchangeStr := c.ascii(10)
	token := c.int32()
	lastPrice := c.float64()

	tick := domain.Tick{
		Token:     token,
		Exchange:  domain.Exchange(exchangeStr),
		LastPrice: lastPrice,
		ServerTS:  time.Now().UTC().UnixMilli(),
	}

	instrumentType, resolved := "", false
	if p.lookup != nil {
		instrumentType, resolved = p.lookup(token)
	}
	tick.IndexUnknown = !resolved

	switch len(packet) {
	case domain.ModeLTP.PacketLength(): // 22
		tick.Mode = domain.ModeLTP
	case domain.ModeOHLCV.PacketLength(): // 62
		tick.Mode = domain.ModeOHLCV
		p.parseOHLCV(c, &tick)
	case domain.ModeFull.PacketLength(): // 266
		tick.Mode = domain.ModeFull
		p.parseOHLCV(c, &tick)
		p.parseFullExtras(c, &tick)
	default:
		// Indices use a shorter packet (spec §4.5.3): fall back to
		// length-only dispatch, treating anything else as ltp-shaped.
		tick.Mode = domain.ModeLTP
	}

	_ = instrumentType
	return tick, nil
}

func (p *Parser) parseOHLCV(c *cursor, tick *domain.Tick) {
	lastTradeTime := int64(c.int32())
	utc := istEpochToUTCMillis(lastTradeTime)
	tick.LastTradeTime = &utc

	ohlc := domain.OHLC{Open: c.float64(), High: c.float64(), Low: c.float64(), Close: c.float64()}
	tick.OHLC = &ohlc

	volume := c.int32()
	tick.Volume = &volume
	_ = c.int32() // last_update_time: not surfaced on the normalized Tick
	_ = c.int32() // last_trade_quantity: not surfaced on the normalized Tick
}

func (p *Parser) parseFullExtras(c *cursor, tick *domain.Tick) {
	avgPrice := c.float64()
	tick.AvgPrice = &avgPrice

	_ = c.int64() // total_buy_qty
	_ = c.int64() // total_sell_qty

	oi := c.int32()
	tick.OI = &oi

	var depth domain.Depth
	for i := 0; i < 5; i++ {
		depth.Bid[i] = domain.DepthLevel{Price: c.float64(), Quantity: c.int32(), Orders: c.int32()}
	}
	for i := 0; i < 5; i++ {
		depth.Ask[i] = domain.DepthLevel{Price: c.float64(), Quantity: c.int32(), Orders: c.int32()}
	}
	tick.Depth = &depth

	_ = c.int32() // dpr_high
	_ = c.int32() // dpr_low
}

// istEpochToUTCMillis converts an epoch-seconds value expressed in IST
// wall-clock terms into a UTC unix-millis value (spec §4.5.3).
func istEpochToUTCMillis(istEpochSeconds int64) int64 {
	t := time.Unix(istEpochSeconds, 0).Add(-istOffset)
	return t.UnixMilli()
}
