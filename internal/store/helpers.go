package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// encodeData renders the session data column as a JSON object.
func encodeData(sess *models.Session) (string, error) {
	data := sess.Data
	if data == nil {
		data = map[models.DataKey]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode session data for %s: %w", sess.UserID, err)
	}
	return string(raw), nil
}

// decodeData fills rec.Data from the JSON data column.
func decodeData(dataJSON string, rec *sessionRecord) error {
	rec.Data = make(map[models.DataKey]string)
	if dataJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(dataJSON), &rec.Data); err != nil {
		return fmt.Errorf("failed to decode session data: %w", err)
	}
	return nil
}
