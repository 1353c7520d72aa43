package migrations

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/matrix-org/clientsync/internal"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCborRoomState, downCborRoomState)
}

// legacyBuckets is how membership buckets were stored before they moved to CBOR. The cbor tags must
// match state.roomBuckets.
type legacyBuckets struct {
	Joined  []string `json:"joined,omitempty" cbor:"1,keyasint,omitempty"`
	Invited []string `json:"invited,omitempty" cbor:"2,keyasint,omitempty"`
	Left    []string `json:"left,omitempty" cbor:"3,keyasint,omitempty"`
	Banned  []string `json:"banned,omitempty" cbor:"4,keyasint,omitempty"`
	Admins  []string `json:"admins,omitempty" cbor:"5,keyasint,omitempty"`
}

type roomBlobs struct {
	roomID    string
	buckets   []byte
	roomState []byte
}

func selectRoomBlobs(ctx context.Context, tx *sql.Tx) ([]roomBlobs, error) {
	rows, err := tx.QueryContext(ctx, `SELECT room_id, buckets, room_state FROM clientsync_rooms`)
	if err != nil {
		return nil, fmt.Errorf("failed to select rooms: %w", err)
	}
	defer rows.Close()
	var result []roomBlobs
	for rows.Next() {
		var r roomBlobs
		if err = rows.Scan(&r.roomID, &r.buckets, &r.roomState); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func isJSON(b []byte) bool {
	return len(bytes.TrimSpace(b)) > 0 && bytes.TrimSpace(b)[0] == '{'
}

func upCborRoomState(ctx context.Context, tx *sql.Tx) error {
	rooms, err := selectRoomBlobs(ctx, tx)
	if err != nil {
		return err
	}
	converted := 0
	for _, r := range rooms {
		if !isJSON(r.buckets) && !isJSON(r.roomState) {
			continue
		}
		buckets, roomState := r.buckets, r.roomState
		if isJSON(r.buckets) {
			var b legacyBuckets
			if err = json.Unmarshal(r.buckets, &b); err != nil {
				return fmt.Errorf("room %s: failed to unmarshal JSON buckets: %w", r.roomID, err)
			}
			if buckets, err = cbor.Marshal(b); err != nil {
				return fmt.Errorf("room %s: failed to marshal buckets as CBOR: %w", r.roomID, err)
			}
		}
		if isJSON(r.roomState) {
			var s internal.RoomState
			if err = json.Unmarshal(r.roomState, &s); err != nil {
				return fmt.Errorf("room %s: failed to unmarshal JSON room state: %w", r.roomID, err)
			}
			if roomState, err = cbor.Marshal(s); err != nil {
				return fmt.Errorf("room %s: failed to marshal room state as CBOR: %w", r.roomID, err)
			}
		}
		_, err = tx.ExecContext(ctx, rebind(`UPDATE clientsync_rooms SET buckets = ?, room_state = ? WHERE room_id = ?`),
			buckets, roomState, r.roomID)
		if err != nil {
			return err
		}
		converted++
	}
	logger.Info().Int("rooms", converted).Msg("converted room state to CBOR")
	return nil
}

func downCborRoomState(ctx context.Context, tx *sql.Tx) error {
	rooms, err := selectRoomBlobs(ctx, tx)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		if isJSON(r.buckets) && isJSON(r.roomState) {
			continue
		}
		var b legacyBuckets
		var s internal.RoomState
		if len(r.buckets) > 0 && !isJSON(r.buckets) {
			if err = cbor.Unmarshal(r.buckets, &b); err != nil {
				return fmt.Errorf("room %s: failed to unmarshal CBOR buckets: %w", r.roomID, err)
			}
		}
		if len(r.roomState) > 0 && !isJSON(r.roomState) {
			if err = cbor.Unmarshal(r.roomState, &s); err != nil {
				return fmt.Errorf("room %s: failed to unmarshal CBOR room state: %w", r.roomID, err)
			}
		}
		buckets, err := json.Marshal(b)
		if err != nil {
			return err
		}
		roomState, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, rebind(`UPDATE clientsync_rooms SET buckets = ?, room_state = ? WHERE room_id = ?`),
			buckets, roomState, r.roomID)
		if err != nil {
			return err
		}
	}
	return nil
}
