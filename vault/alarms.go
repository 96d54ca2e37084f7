package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Alarm is a durable named wake request. Period zero means single-shot.
type Alarm struct {
	Name   string        `json:"name"`
	FireAt time.Time     `json:"fire_at"`
	Period time.Duration `json:"period,omitempty"`
}

// SaveAlarm stores or replaces an alarm by name.
func (s *Store) SaveAlarm(ctx context.Context, alarm Alarm) error {
	if alarm.Name == "" {
		return fmt.Errorf("save alarm: name is empty")
	}
	raw, err := json.Marshal(alarm)
	if err != nil {
		return fmt.Errorf("marshal alarm: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketAlarms).Put([]byte(alarm.Name), raw); err != nil {
			return fmt.Errorf("write alarm %s: %w", alarm.Name, err)
		}
		return nil
	})
}

// Alarms lists all persisted alarms.
func (s *Store) Alarms(ctx context.Context) ([]Alarm, error) {
	var alarms []Alarm
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAlarms).ForEach(func(k, v []byte) error {
			var a Alarm
			if err := json.Unmarshal(v, &a); err != nil {
				s.logger.Warn("alarm unparseable, skipping", "name", string(k), "error", err)
				return nil
			}
			alarms = append(alarms, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	return alarms, nil
}

// DeleteAlarm removes an alarm by name. Idempotent.
func (s *Store) DeleteAlarm(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketAlarms).Delete([]byte(name)); err != nil {
			return fmt.Errorf("delete alarm %s: %w", name, err)
		}
		return nil
	})
}
