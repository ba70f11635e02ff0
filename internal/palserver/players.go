package palserver

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Player is one row of the ShowPlayers table.
type Player struct {
	Name      string `json:"name"`
	PlayerUID string `json:"playeruid"`
	SteamID   string `json:"steamid"`
}

// ParsePlayers decodes the comma separated name,playeruid,steamid table
// returned by ShowPlayers. A literal header row is skipped.
func ParsePlayers(text string) ([]Player, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = 3
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	players := make([]Player, 0)
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse player table: %w", err)
		}

		if isHeader(record) {
			continue
		}
		players = append(players, Player{
			Name:      record[0],
			PlayerUID: record[1],
			SteamID:   strings.TrimSpace(record[2]),
		})
	}
	return players, nil
}

func isHeader(record []string) bool {
	return record[0] == "name" && record[1] == "playeruid" && strings.TrimSpace(record[2]) == "steamid"
}
