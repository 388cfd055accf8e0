package model

// Session is one running agent instance on a target. Its liveness is
// derived from the last check-in timestamp and its own interval settings,
// never stored.
type Session struct {
	SessionID     string                 `json:"session_id"`
	TargetName    string                 `json:"target_name"`
	Timestamp     UnixTimeType           `json:"timestamp"`
	Servers       []string               `json:"servers"`
	Interval      float64                `json:"interval"`
	IntervalDelta float64                `json:"interval_delta"`
	ConfigDict    map[string]interface{} `json:"config_dict"`
	Archived      bool                   `json:"archived"`
}

// SessionHistory keeps the append-only check-in timestamps of a session.
// It grows fast and is stored apart from the session document.
type SessionHistory struct {
	SessionID         string         `json:"session_id"`
	CheckinTimestamps []UnixTimeType `json:"checkin_timestamps"`
}

// MaxTime is the widest window within which a session is still considered
// active.
func (s *Session) MaxTime(tun *Tuning) float64 {
	return s.Interval + s.IntervalDelta + tun.SessionCheckThreshold
}

// Status derives the session liveness from the clock.
func (s *Session) Status(now UnixTimeType, tun *Tuning) string {
	maxTime := s.MaxTime(tun)
	if float64(now) > float64(s.Timestamp)+maxTime*tun.SessionCheckModifier {
		return SessionInactive
	}
	if float64(now) > float64(s.Timestamp)+maxTime {
		return SessionMissing
	}
	return SessionActive
}

// ShouldArchive reports whether the session has been silent long enough to
// be excluded from listings and target status.
func (s *Session) ShouldArchive(now UnixTimeType, tun *Tuning) bool {
	return float64(now) > float64(s.Timestamp)+s.MaxTime(tun)*tun.SessionArchiveModifier
}

// Config returns the session configuration with the reserved keys
// (interval, interval_delta, servers) overlaid from the typed fields.
// The raw ConfigDict must never be exposed directly.
func (s *Session) Config() map[string]interface{} {
	config := make(map[string]interface{}, len(s.ConfigDict)+3)
	for k, v := range s.ConfigDict {
		config[k] = v
	}
	config["interval"] = s.Interval
	config["interval_delta"] = s.IntervalDelta
	config["servers"] = s.Servers
	return config
}

// UpdateConfig overrides the typed fields and merges the remaining keys
// into the config dict. Nil arguments leave the current values untouched.
func (s *Session) UpdateConfig(interval, intervalDelta *float64, servers []string, config map[string]interface{}) {
	if interval != nil {
		s.Interval = *interval
	}
	if intervalDelta != nil {
		s.IntervalDelta = *intervalDelta
	}
	if servers != nil {
		s.Servers = servers
	}
	for key, value := range config {
		switch key {
		case "interval":
			if f, ok := toFloat(value); ok {
				s.Interval = f
			}
		case "interval_delta":
			if f, ok := toFloat(value); ok {
				s.IntervalDelta = f
			}
		case "servers":
			if list, ok := toStringList(value); ok {
				s.Servers = list
			}
		default:
			if s.ConfigDict == nil {
				s.ConfigDict = make(map[string]interface{})
			}
			s.ConfigDict[key] = value
		}
	}
}

// Document returns the API representation of the session.
func (s *Session) Document(now UnixTimeType, tun *Tuning) map[string]interface{} {
	return map[string]interface{}{
		"session_id":  s.SessionID,
		"target_name": s.TargetName,
		"status":      s.Status(now, tun),
		"timestamp":   s.Timestamp,
		"config":      s.Config(),
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	}
	return 0, false
}

func toStringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
