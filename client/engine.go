package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/document"
	"github.com/burntcarrot/pairdoc/paths"
	"github.com/burntcarrot/pairdoc/resource"
	"github.com/burntcarrot/pairdoc/textop"
)

// Command names understood by the prompt.
const (
	CommandSet        = "set"
	CommandAdd        = "add"
	CommandPush       = "push"
	CommandRemove     = "remove"
	CommandText       = "text"
	CommandSave       = "save"
	CommandLoad       = "load"
	CommandCheckpoint = "checkpoint"
	CommandHelp       = "help"
	CommandQuit       = "quit"
)

const helpText = "set <path> <json> | add <path> <json> | push <path> <json> | remove <path> | text <path> | save [file] | load [file] | checkpoint | quit"

var (
	errQuit       = errors.New("pairdoc: exiting")
	errNoPath     = errors.New("missing path")
	errNoValue    = errors.New("missing value")
	errNotAString = errors.New("value is not a string")
)

// command is a parsed prompt line.
type command struct {
	Name  string
	Path  string
	Value any
	Arg   string
}

// parsePath turns the path typed at the prompt into a document path. "." is
// the root.
func parsePath(s string) string {
	if s == "." {
		return ""
	}
	return s
}

// parseValue reads a JSON value. Anything that is not valid JSON is taken as
// a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// parseCommand parses a prompt line.
func parseCommand(line string) (command, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	cmd := command{Name: strings.ToLower(parts[0])}
	switch cmd.Name {
	case "":
		return cmd, errors.New("empty command")

	case CommandSet, CommandAdd, CommandPush:
		if len(parts) < 2 {
			return cmd, errNoPath
		}
		if len(parts) < 3 || parts[2] == "" {
			return cmd, errNoValue
		}
		cmd.Path = parsePath(parts[1])
		cmd.Value = parseValue(parts[2])

	case CommandRemove, CommandText:
		if len(parts) < 2 {
			return cmd, errNoPath
		}
		cmd.Path = parsePath(parts[1])

	case CommandSave, CommandLoad:
		if len(parts) > 1 {
			cmd.Arg = strings.Join(parts[1:], " ")
		}

	case CommandCheckpoint, CommandHelp, CommandQuit, "q", "!q":
		if cmd.Name == "q" || cmd.Name == "!q" {
			cmd.Name = CommandQuit
		}

	default:
		return cmd, fmt.Errorf("unknown command %q", cmd.Name)
	}
	return cmd, nil
}

// session runs prompt commands against a resource.
type session struct {
	res      *resource.Resource
	logger   logrus.FieldLogger
	user     string
	fileName string

	// text holds the text operators registered so far, by path.
	text map[string]*resource.Proposer
}

func newSession(res *resource.Resource, logger logrus.FieldLogger, user, fileName string) *session {
	return &session{
		res:      res,
		logger:   logger,
		user:     user,
		fileName: fileName,
		text:     make(map[string]*resource.Proposer),
	}
}

// result tells the UI what happened.
type result struct {
	Status string
	// EditPath is set when the UI should open the text editor on a string.
	EditPath string
	EditText string
}

// update runs edit on a draft of the client value, reporting edit's error.
func (s *session) update(ctx context.Context, edit func(draft any) (any, error)) error {
	var editErr error
	err := s.res.Update(ctx, func(draft any) any {
		next, err := edit(draft)
		if err != nil {
			editErr = err
			return draft
		}
		return next
	})
	if editErr != nil {
		return editErr
	}
	return err
}

// execute runs cmd.
func (s *session) execute(ctx context.Context, cmd command) (result, error) {
	logger := s.logger.WithFields(logrus.Fields{"command": cmd.Name, "path": cmd.Path})
	logger.Debug("executing command")

	switch cmd.Name {
	case CommandSet:
		err := s.update(ctx, func(draft any) (any, error) {
			return document.Set(draft, cmd.Path, cmd.Value)
		})
		if err != nil {
			return result{}, err
		}
		return result{Status: "set " + displayPath(cmd.Path)}, nil

	case CommandAdd:
		err := s.update(ctx, func(draft any) (any, error) {
			return document.Apply(draft, document.Patch{Op: document.OpAdd, Path: cmd.Path, Value: cmd.Value})
		})
		if err != nil {
			return result{}, err
		}
		return result{Status: "added " + displayPath(cmd.Path)}, nil

	case CommandPush:
		err := s.update(ctx, func(draft any) (any, error) {
			current, err := document.Get(draft, cmd.Path)
			if err != nil {
				return nil, err
			}
			list, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("%s is not a list", displayPath(cmd.Path))
			}
			return document.Apply(draft, document.Patch{
				Op:    document.OpAdd,
				Path:  paths.Join(cmd.Path, strconv.Itoa(len(list))),
				Value: cmd.Value,
			})
		})
		if err != nil {
			return result{}, err
		}
		return result{Status: "pushed to " + displayPath(cmd.Path)}, nil

	case CommandRemove:
		err := s.update(ctx, func(draft any) (any, error) {
			return document.Apply(draft, document.Patch{Op: document.OpRemove, Path: cmd.Path})
		})
		if err != nil {
			return result{}, err
		}
		return result{Status: "removed " + displayPath(cmd.Path)}, nil

	case CommandText:
		current, err := document.Get(s.res.ClientValue(), cmd.Path)
		if err != nil && !errors.Is(err, document.ErrNotFound) {
			return result{}, err
		}
		text, ok := current.(string)
		if current != nil && !ok {
			return result{}, errNotAString
		}
		return result{Status: "editing " + displayPath(cmd.Path), EditPath: cmd.Path, EditText: text}, nil

	case CommandSave:
		fileName := s.file(cmd.Arg)
		if err := document.Save(fileName, s.res.ClientValue()); err != nil {
			logger.Errorf("failed to save to %s: %v", fileName, err)
			return result{}, fmt.Errorf("failed to save to %s", fileName)
		}
		return result{Status: "saved document to " + fileName}, nil

	case CommandLoad:
		fileName := s.file(cmd.Arg)
		doc, err := document.Load(fileName)
		if err != nil {
			logger.Errorf("failed to load %s: %v", fileName, err)
			return result{}, fmt.Errorf("failed to load %s", fileName)
		}
		if err := s.update(ctx, func(any) (any, error) { return doc, nil }); err != nil {
			return result{}, err
		}
		return result{Status: "loaded " + fileName}, nil

	case CommandCheckpoint:
		if err := s.res.Checkpoint(ctx); err != nil {
			return result{}, err
		}
		return result{Status: "checkpoint written"}, nil

	case CommandHelp:
		return result{Status: helpText}, nil

	case CommandQuit:
		return result{}, errQuit
	}
	return result{}, fmt.Errorf("unknown command %q", cmd.Name)
}

// textOperator returns the proposer of the text operator at path, registering
// the operator the first time. Replicas only apply text operations at paths
// they registered.
func (s *session) textOperator(path string) *resource.Proposer {
	p, ok := s.text[path]
	if !ok {
		p = s.res.RegisterCustomOperator(textop.Operator(path))
		s.text[path] = p
	}
	return p
}

// editText proposes the edit of the string at path as a text operation.
func (s *session) editText(ctx context.Context, path, before, after string) error {
	return textop.Edit(ctx, s.textOperator(path), before, after)
}

// file returns the file to save to or load from.
func (s *session) file(arg string) string {
	if arg != "" {
		return arg
	}
	if s.fileName != "" {
		return s.fileName
	}
	return "pairdoc-content.json"
}

func displayPath(path string) string {
	if path == "" {
		return "."
	}
	return path
}
