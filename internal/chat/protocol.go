package chat

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedCommand marks a command with the wrong number of arguments.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrUnknownCommand marks a command name the current state does not accept.
	ErrUnknownCommand = errors.New("unknown command")
)

// Pre-auth command names.
const (
	CmdRegister = "REGISTER"
	CmdLogin    = "LOGIN"
)

// Post-auth command names.
const (
	CmdJoin  = "/join"
	CmdLeave = "/leave"
	CmdRooms = "/rooms"
	CmdHelp  = "/help"
	CmdQuit  = "/quit"
)

const (
	welcomeBanner = "=== Chat Server ===\n" +
		"Commands: REGISTER <username> <password> or LOGIN <username> <password>\n"
	authUsage    = "Usage: REGISTER <username> <password> or LOGIN <username> <password>"
	commandsLine = "Commands: /join <room>, /leave, /rooms, /help, /quit\n"
	helpText     = "\nAvailable commands:\n" +
		"  /join <room>   - Join a chat room\n" +
		"  /leave         - Leave current room\n" +
		"  /rooms         - List all rooms\n" +
		"  /help          - Show this help\n" +
		"  /quit          - Disconnect\n"
	goodbye = "Goodbye!\n"
)

// ProtocolError is a rejected client line. Message is what follows "ERROR: "
// on the wire; Usage, when set, is sent on the next line.
type ProtocolError struct {
	Err     error
	Message string
	Usage   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Response renders the error as it is sent to the client.
func (e *ProtocolError) Response() string {
	if e.Usage == "" {
		return errorLine(e.Message)
	}
	return errorLine(e.Message) + e.Usage + "\n"
}

// AuthCommand is a parsed REGISTER or LOGIN line.
type AuthCommand struct {
	Name     string
	Username string
	Password string
}

// ParseAuthCommand parses a pre-auth line. The command name is case-insensitive
// and exactly two arguments are required.
func ParseAuthCommand(line string) (AuthCommand, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return AuthCommand{}, &ProtocolError{
			Err:     ErrMalformedCommand,
			Message: "Invalid command format",
			Usage:   authUsage,
		}
	}

	name := strings.ToUpper(parts[0])
	if name != CmdRegister && name != CmdLogin {
		return AuthCommand{}, &ProtocolError{
			Err:     ErrUnknownCommand,
			Message: "Unknown command. Use REGISTER or LOGIN",
		}
	}

	return AuthCommand{Name: name, Username: parts[1], Password: parts[2]}, nil
}

// RoomCommand is a parsed post-auth slash command.
type RoomCommand struct {
	Name string
	Arg  string
}

// IsCommand reports whether an authenticated line is a slash command rather
// than chat content.
func IsCommand(line string) bool {
	return strings.HasPrefix(line, "/")
}

// ParseRoomCommand parses a slash command. Extra arguments are ignored.
func ParseRoomCommand(line string) (RoomCommand, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return RoomCommand{}, &ProtocolError{Err: ErrMalformedCommand, Message: "Empty command"}
	}

	cmd := RoomCommand{Name: strings.ToLower(parts[0])}
	switch cmd.Name {
	case CmdJoin:
		if len(parts) < 2 {
			return RoomCommand{}, &ProtocolError{
				Err:     ErrMalformedCommand,
				Message: "Usage: /join <room>",
			}
		}
		cmd.Arg = parts[1]
	case CmdLeave, CmdRooms, CmdHelp, CmdQuit:
	default:
		return RoomCommand{}, &ProtocolError{
			Err:     ErrUnknownCommand,
			Message: fmt.Sprintf("Unknown command '%s'", cmd.Name),
		}
	}
	return cmd, nil
}

// FormatChat renders a room message as broadcast to members.
func FormatChat(room, username, text string) string {
	return fmt.Sprintf("[%s] %s: %s\n", room, username, text)
}

func successLine(msg string) string { return "SUCCESS: " + msg + "\n" }

func errorLine(msg string) string { return "ERROR: " + msg + "\n" }

func roomsLine(rooms []string) string {
	if len(rooms) == 0 {
		return "No rooms available\n"
	}
	return "Available rooms: " + strings.Join(rooms, ", ") + "\n"
}
