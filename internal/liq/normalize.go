package liq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"riskflow/internal/models"
)

// SideFromOrder maps a liquidation order side onto the side of the position
// that was liquidated. A forced SELL closes a long, a forced BUY closes a
// short. Binance and Bybit both report the order side.
func SideFromOrder(orderSide string) models.PositionSide {
	if strings.EqualFold(orderSide, "SELL") {
		return models.PositionLong
	}
	return models.PositionShort
}

type bybitLiqMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Time   int64  `json:"T"`
		Symbol string `json:"s"`
		Side   string `json:"S"`
		Size   string `json:"v"`
		Price  string `json:"p"`
	} `json:"data"`
}

// ParseBybit decodes one allLiquidation websocket message. Non-liquidation
// frames (subscription acks, pongs) yield an empty slice.
func ParseBybit(data []byte) ([]models.LiquidationEvent, error) {
	var msg bybitLiqMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse bybit liquidation: %w", err)
	}
	if !strings.HasPrefix(msg.Topic, "allLiquidation") {
		return nil, nil
	}

	events := make([]models.LiquidationEvent, 0, len(msg.Data))
	for _, d := range msg.Data {
		px, err := strconv.ParseFloat(d.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit liquidation price: %w", err)
		}
		qty, err := strconv.ParseFloat(d.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit liquidation size: %w", err)
		}
		events = append(events, models.LiquidationEvent{
			Venue:     "bybit",
			Symbol:    d.Symbol,
			Side:      SideFromOrder(d.Side),
			Price:     px,
			Quantity:  qty,
			Timestamp: d.Time,
		})
	}
	return events, nil
}

type okxLiqMessage struct {
	Arg struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []struct {
		InstID  string `json:"instId"`
		Details []struct {
			Side    string `json:"side"`
			PosSide string `json:"posSide"`
			BkPx    string `json:"bkPx"`
			Size    string `json:"sz"`
			Time    string `json:"ts"`
		} `json:"details"`
	} `json:"data"`
}

// ParseOkx decodes one liquidation-orders websocket message, keeping only
// fills for instID. OKX reports the position side directly; the order side
// is the fallback when posSide is absent (net mode).
func ParseOkx(data []byte, instID string) ([]models.LiquidationEvent, error) {
	var msg okxLiqMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse okx liquidation: %w", err)
	}
	if msg.Arg.Channel != "liquidation-orders" {
		return nil, nil
	}

	var events []models.LiquidationEvent
	for _, d := range msg.Data {
		if d.InstID != instID {
			continue
		}
		for _, det := range d.Details {
			px, err := strconv.ParseFloat(det.BkPx, 64)
			if err != nil {
				return nil, fmt.Errorf("okx liquidation price: %w", err)
			}
			qty, err := strconv.ParseFloat(det.Size, 64)
			if err != nil {
				return nil, fmt.Errorf("okx liquidation size: %w", err)
			}
			ts, _ := strconv.ParseInt(det.Time, 10, 64)

			side := SideFromOrder(det.Side)
			switch strings.ToLower(det.PosSide) {
			case "long":
				side = models.PositionLong
			case "short":
				side = models.PositionShort
			}

			events = append(events, models.LiquidationEvent{
				Venue:     "okx",
				Symbol:    d.InstID,
				Side:      side,
				Price:     px,
				Quantity:  qty,
				Timestamp: ts,
			})
		}
	}
	return events, nil
}

// okxInstID maps a linear contract symbol like SOLUSDT onto the OKX swap
// instrument id SOL-USDT-SWAP.
func okxInstID(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "-" + quote + "-SWAP"
		}
	}
	return upper + "-SWAP"
}
