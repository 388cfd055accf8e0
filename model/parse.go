package model

import (
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// ParseActionString parses a human command string into a partially filled
// Action carrying the action type and its type specific fields. The
// tokenizer is shell-quoting aware, so quoted arguments survive as single
// tokens; nothing beyond quoting is interpreted.
//
// Grammar:
//
//	config [-i|--interval N] [-d|--delta N] [-s|--servers S...] [-c|--config K V]...
//	exec [-t|--time EPOCH] [-s|--spawn] <command> [args...]
//	upload <teamserver_path> <remote_path>
//	download <remote_path> <teamserver_path>
//	gather [-s|--subset NAME]
//	reset
func ParseActionString(actionString, defaultSubset string) (*Action, error) {
	tokens, err := shlex.Split(actionString)
	if err != nil {
		return nil, SyntaxError("bad quoting in action string: %s", err)
	}
	if len(tokens) == 0 {
		return nil, SyntaxError("empty action string")
	}

	verb, args := tokens[0], tokens[1:]
	switch verb {
	case "config":
		return parseConfig(args)
	case "exec":
		return parseExec(args)
	case "upload":
		if len(args) != 2 {
			return nil, SyntaxError("upload takes exactly two arguments, got %d", len(args))
		}
		return &Action{ActionType: ActionTypeUpload, TeamserverPath: args[0], RemotePath: args[1]}, nil
	case "download":
		if len(args) != 2 {
			return nil, SyntaxError("download takes exactly two arguments, got %d", len(args))
		}
		return &Action{ActionType: ActionTypeDownload, RemotePath: args[0], TeamserverPath: args[1]}, nil
	case "gather":
		return parseGather(args, defaultSubset)
	case "reset":
		if len(args) != 0 {
			return nil, SyntaxError("reset takes no arguments")
		}
		return &Action{ActionType: ActionTypeReset}, nil
	}
	return nil, SyntaxError("unknown action: %s", verb)
}

func parseConfig(tokens []string) (*Action, error) {
	config := make(map[string]interface{})
	for i := 0; i < len(tokens); {
		switch tokens[i] {
		case "-i", "--interval":
			value, err := parseFloatFlag(tokens, i, "interval")
			if err != nil {
				return nil, err
			}
			config["interval"] = value
			i += 2
		case "-d", "--delta":
			value, err := parseFloatFlag(tokens, i, "delta")
			if err != nil {
				return nil, err
			}
			config["interval_delta"] = value
			i += 2
		case "-s", "--servers":
			var servers []string
			for i++; i < len(tokens) && !strings.HasPrefix(tokens[i], "-"); i++ {
				servers = append(servers, tokens[i])
			}
			if len(servers) == 0 {
				return nil, SyntaxError("servers flag requires at least one value")
			}
			config["servers"] = servers
		case "-c", "--config":
			if i+2 >= len(tokens) {
				return nil, SyntaxError("config flag requires a key and a value")
			}
			config[tokens[i+1]] = tokens[i+2]
			i += 3
		default:
			return nil, SyntaxError("unexpected config token: %s", tokens[i])
		}
	}
	return &Action{ActionType: ActionTypeConfig, Config: config}, nil
}

func parseExec(tokens []string) (*Action, error) {
	action := &Action{}
	timed := false
	spawn := false

	i := 0
flags:
	for i < len(tokens) {
		switch tokens[i] {
		case "-t", "--time":
			value, err := parseFloatFlag(tokens, i, "time")
			if err != nil {
				return nil, err
			}
			action.StartTime = UnixTimeType(value)
			timed = true
			i += 2
		case "-s", "--spawn":
			spawn = true
			i++
		default:
			break flags
		}
	}
	if i >= len(tokens) {
		return nil, SyntaxError("exec requires a command")
	}

	switch {
	case timed && spawn:
		action.ActionType = ActionTypeTimedSpawn
	case timed:
		action.ActionType = ActionTypeTimedExec
	case spawn:
		action.ActionType = ActionTypeSpawn
	default:
		action.ActionType = ActionTypeExec
	}

	// everything after the command is passed through verbatim
	action.Command = tokens[i]
	action.Args = append([]string{}, tokens[i+1:]...)
	return action, nil
}

func parseGather(tokens []string, defaultSubset string) (*Action, error) {
	action := &Action{ActionType: ActionTypeGather, Subset: defaultSubset}
	for i := 0; i < len(tokens); {
		switch tokens[i] {
		case "-s", "--subset":
			if i+1 >= len(tokens) {
				return nil, SyntaxError("subset flag requires a value")
			}
			action.Subset = tokens[i+1]
			i += 2
		default:
			return nil, SyntaxError("unexpected gather token: %s", tokens[i])
		}
	}
	return action, nil
}

func parseFloatFlag(tokens []string, i int, name string) (float64, error) {
	if i+1 >= len(tokens) {
		return 0, SyntaxError("%s flag requires a value", name)
	}
	value, err := strconv.ParseFloat(tokens[i+1], 64)
	if err != nil {
		return 0, SyntaxError("%s flag requires a number, got %q", name, tokens[i+1])
	}
	return value, nil
}
