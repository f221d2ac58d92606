package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/domain/repository"
)

// envelope is the combined-stream wrapper: {"stream": "...", "data": {...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineMsg struct {
	Kline struct {
		Start  int64  `json:"t"`
		End    int64  `json:"T"`
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Closed bool   `json:"x"`
	} `json:"k"`
}

type depthMsg struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

type aggTradeMsg struct {
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// decode turns one frame into a stream event. ok is false for frames that carry nothing
// the pipeline uses: subscription acks, unfinished klines, unknown streams.
func decode(frame []byte, now time.Time) (ev repository.StreamEvent, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return ev, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return ev, false, nil
	}

	switch {
	case strings.Contains(env.Stream, "@kline"):
		var m klineMsg
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return ev, false, fmt.Errorf("decode kline: %w", err)
		}
		if !m.Kline.Closed {
			return ev, false, nil
		}
		k := m.Kline
		bar := &models.Bar{
			Open:   parse(k.Open),
			High:   parse(k.High),
			Low:    parse(k.Low),
			Close:  parse(k.Close),
			Volume: parse(k.Volume),
			Start:  time.UnixMilli(k.Start).UTC(),
			End:    time.UnixMilli(k.End).UTC(),
		}
		return repository.StreamEvent{Kind: repository.StreamBar, Bar: bar}, true, nil

	case strings.Contains(env.Stream, "@depth"):
		var m depthMsg
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return ev, false, fmt.Errorf("decode depth: %w", err)
		}
		book := &models.OrderBook{
			Bids:      levels(m.Bids),
			Asks:      levels(m.Asks),
			Timestamp: now,
		}
		if len(book.Bids) > 0 && len(book.Asks) > 0 {
			book.Mid = (book.Bids[0].Price + book.Asks[0].Price) / 2
		}
		return repository.StreamEvent{Kind: repository.StreamBook, Book: book}, true, nil

	case strings.Contains(env.Stream, "@aggTrade"):
		var m aggTradeMsg
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return ev, false, fmt.Errorf("decode trade: %w", err)
		}
		tick := &models.TradeTick{
			Price:     parse(m.Price),
			Qty:       parse(m.Qty),
			IsBuy:     !m.BuyerIsMaker,
			Timestamp: time.UnixMilli(m.TradeTime).UTC(),
		}
		if tick.Price <= 0 {
			return ev, false, nil
		}
		return repository.StreamEvent{Kind: repository.StreamTrade, Tick: tick}, true, nil
	}
	return ev, false, nil
}

func levels(raw [][2]string) []models.Level {
	out := make([]models.Level, 0, len(raw))
	for _, l := range raw {
		p, q := parse(l[0]), parse(l[1])
		if p > 0 && q > 0 {
			out = append(out, models.Level{Price: p, Size: q})
		}
	}
	return out
}

func parse(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
