package telegram

import (
	"fmt"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/cashier/internal/ledger"
)

// maxFlightButtons keeps the unpaid list within Telegram's keyboard limits
const maxFlightButtons = 20

// FlightKeyboard returns a single button opening the flight detail
func FlightKeyboard(link string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "🪂 Open flight", URL: link},
			},
		},
	}
}

// UnpaidKeyboard returns one button per unpaid flight
func UnpaidKeyboard(flights []ledger.Flight, loc *time.Location) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton

	for i, f := range flights {
		if i == maxFlightButtons {
			break
		}
		if f.Link == "" {
			continue
		}
		text := fmt.Sprintf("%s %s", f.PilotID, f.UploadedAt.In(loc).Format("2.1. 15:04"))
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: text, URL: f.Link},
		})
	}

	if len(rows) == 0 {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
