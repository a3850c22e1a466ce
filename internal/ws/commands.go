package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mateo/testfarm/internal/intake"
)

const commandTimeout = 10 * time.Second

// CommandHandler turns operator commands into intake writes. The
// coordinator picks them up on its next tick.
type CommandHandler struct {
	producer intake.Producer
}

func NewCommandHandler(producer intake.Producer) *CommandHandler {
	return &CommandHandler{producer: producer}
}

// Handle runs one command and replies to the issuing client.
func (ch *CommandHandler) Handle(client *Client, cmd CommandPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var result CommandResultPayload
	switch cmd.Action {
	case "enqueue":
		result = ch.handleEnqueue(ctx, cmd)
	case "stop":
		result = ch.handleStop(ctx, cmd)
	case "touch-slave":
		result = ch.handleTouchSlave(ctx, cmd)
	default:
		result = CommandResultPayload{ID: cmd.ID, Error: "unknown action: " + cmd.Action}
	}

	msg, err := MakeEnvelope(TypeCommandResult, result)
	if err != nil {
		log.Printf("CommandHandler: failed to make envelope: %v", err)
		return
	}
	client.Send(msg)
}

func (ch *CommandHandler) handleEnqueue(ctx context.Context, cmd CommandPayload) CommandResultPayload {
	var args struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.Unmarshal(cmd.Args, &args); err != nil {
		return CommandResultPayload{ID: cmd.ID, Error: "invalid args: " + err.Error()}
	}
	if len(args.IDs) == 0 {
		return CommandResultPayload{ID: cmd.ID, Error: "no assignment ids"}
	}

	if err := ch.producer.EnqueuePending(ctx, args.IDs...); err != nil {
		return CommandResultPayload{ID: cmd.ID, Error: err.Error()}
	}
	return CommandResultPayload{
		ID:      cmd.ID,
		Success: true,
		Message: fmt.Sprintf("queued %d assignments", len(args.IDs)),
	}
}

func (ch *CommandHandler) handleStop(ctx context.Context, cmd CommandPayload) CommandResultPayload {
	var args struct {
		AssignmentID int64 `json:"assignmentID"`
		SlaveID      int64 `json:"slaveID"`
	}
	if err := json.Unmarshal(cmd.Args, &args); err != nil {
		return CommandResultPayload{ID: cmd.ID, Error: "invalid args: " + err.Error()}
	}
	if args.AssignmentID == 0 || args.SlaveID == 0 {
		return CommandResultPayload{ID: cmd.ID, Error: "assignmentID and slaveID are required"}
	}

	req := intake.StopRequest{AssignmentID: args.AssignmentID, SlaveID: args.SlaveID}
	if err := ch.producer.RequestStop(ctx, req); err != nil {
		return CommandResultPayload{ID: cmd.ID, Error: err.Error()}
	}
	log.Printf("Stop requested over WebSocket for assignment %d on slave %d", args.AssignmentID, args.SlaveID)
	return CommandResultPayload{ID: cmd.ID, Success: true, Message: "stop requested"}
}

func (ch *CommandHandler) handleTouchSlave(ctx context.Context, cmd CommandPayload) CommandResultPayload {
	var args struct {
		SlaveID int64 `json:"slaveID"`
	}
	if err := json.Unmarshal(cmd.Args, &args); err != nil {
		return CommandResultPayload{ID: cmd.ID, Error: "invalid args: " + err.Error()}
	}
	if args.SlaveID == 0 {
		return CommandResultPayload{ID: cmd.ID, Error: "slaveID is required"}
	}

	if err := ch.producer.MarkSlaveUpdated(ctx, args.SlaveID); err != nil {
		return CommandResultPayload{ID: cmd.ID, Error: err.Error()}
	}
	return CommandResultPayload{ID: cmd.ID, Success: true}
}

func commandError(id, msg string) []byte {
	out, err := MakeEnvelope(TypeCommandResult, CommandResultPayload{ID: id, Error: msg})
	if err != nil {
		return nil
	}
	return out
}
