package main

import (
	"github.com/redpine-sec/citadel/model"
)

func (s *service) createLog(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	application, err := optStringParam(params, "application")
	if err != nil {
		return nil, err
	}
	if application == "" {
		application = "teamserver"
	}
	level, err := stringParam(params, "level")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}

	entry := &model.LogEntry{
		Application: application,
		Level:       level,
		Message:     message,
		Timestamp:   model.UnixTime(),
	}
	if err := s.store.AddLog(entry); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

func (s *service) listLogs(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	application, err := optStringParam(params, "application")
	if err != nil {
		return nil, err
	}
	since, err := optFloatParam(params, "since")
	if err != nil {
		return nil, err
	}

	var cutoff model.UnixTimeType
	if since != nil {
		cutoff = model.UnixTimeType(*since)
	}
	entries, err := s.store.ListLogs(application, cutoff)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"logs": entries}, nil
}
