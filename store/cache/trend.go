package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func (s *Store) Observe(ctx context.Context, operation string, d time.Duration, success bool) error {
	okFlag := "0"
	if success {
		okFlag = "1"
	}
	payload := fmt.Sprintf("%d|%s|%d", d.Milliseconds(), okFlag, time.Now().UnixMilli())
	return trendAppendScript.Run(ctx, s.cli,
		[]string{s.trendKey(operation)},
		payload, s.cfg.TrendWindow, int64(s.cfg.TrendTTL.Seconds()),
	).Err()
}

func (s *Store) Window(ctx context.Context, operation string) ([]Observation, error) {
	raw, err := s.cli.LRange(ctx, s.trendKey(operation), 0, s.cfg.TrendWindow-1).Result()
	if err != nil {
		return nil, err
	}
	obs := make([]Observation, 0, len(raw))
	for _, item := range raw {
		parts := strings.SplitN(item, "|", 3)
		if len(parts) != 3 {
			continue
		}
		ms, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		at, _ := strconv.ParseInt(parts[2], 10, 64)
		obs = append(obs, Observation{
			Duration: time.Duration(ms) * time.Millisecond,
			Success:  parts[1] == "1",
			At:       time.UnixMilli(at),
		})
	}
	return obs, nil
}
