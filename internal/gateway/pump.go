package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/remoteagent/gateway/internal/gateway/protocol"
)

// pumpMode distinguishes a fresh generation (new user turn) from a rechat
// (resuming from current history after a confirmation) — see the Rechat
// glossary entry.
type pumpMode int

const (
	pumpFresh pumpMode = iota
	pumpRechat
)

// pumpRequest is everything the state machine hands the pump on entry to Generating.
type pumpRequest struct {
	requestID              string
	cancel                 *CancelHandle
	stream                 bool
	useTools               bool
	askBeforeToolExecution bool
	opts                   StreamOptions
	mode                   pumpMode
}

// pumpNext is the result pair WaitOrCancel races against cancellation for
// the seq.Next await.
type pumpNext struct {
	chunk Chunk
	ok    bool
}

// pumpOutcome is what the pump reports back once it stops running, whether
// by reaching Idle, suspending for a confirmation, or failing.
type pumpOutcome struct {
	requestID   string
	next        sessionState
	pendingTool *pendingToolCall
	pendingTurn *pendingTurnConfirm
	err         error
}

// runPump is component E. It drains one ChunkSequence to either exhaustion
// or suspension, emitting Response frames as it goes, and reports the
// resulting session transition on results. It must be invoked as its own
// goroutine: the session's serial executor keeps processing other inputs
// (notably Interrupt) while this runs.
func runPump(ctx context.Context, chat ChatEngine, tools ToolExecutor, send func(protocol.Response), req pumpRequest, results chan<- pumpOutcome) {
	var seq ChunkSequence
	if req.mode == pumpRechat {
		seq = chat.StreamRechat(req.opts)
	} else {
		seq = chat.StreamChat(req.opts)
	}

	var textBuf strings.Builder
	var lastUsage *protocol.TokenUsage

	emit := func(content protocol.ResponseContent, errStr string) {
		send(protocol.Response{RequestID: req.requestID, Response: content, TokenUsage: lastUsage, Error: errStr})
	}

	drop := func() {
		send(protocol.Response{RequestID: req.requestID, Response: protocol.Complete(lastUsage, true)})
		results <- pumpOutcome{requestID: req.requestID, next: StateIdle}
	}

	for {
		if req.cancel.IsCancelled() {
			drop()
			return
		}

		// seq.Next is the one suspension point §5 calls a "wait_or_cancel"
		// candidate: it is awaited under the cancel handle's own context
		// (not the bare session ctx) so Interrupt unblocks it directly,
		// and the race is resolved in cancellation's favor rather than the
		// chunk's — a chunk whose Next call straddles Signal() must still
		// be dropped, never emitted.
		next, err := WaitOrCancel(req.cancel, func(ctx context.Context) (pumpNext, error) {
			chunk, ok, err := seq.Next(ctx)
			return pumpNext{chunk: chunk, ok: ok}, err
		})
		if errors.Is(err, ErrCancelled) || req.cancel.IsCancelled() {
			drop()
			return
		}
		if err != nil {
			send(protocol.Response{RequestID: req.requestID, Response: protocol.Complete(lastUsage, false), Error: (&ModelError{Cause: err}).Error()})
			results <- pumpOutcome{requestID: req.requestID, next: StateIdle, err: err}
			return
		}
		if !next.ok {
			results <- pumpOutcome{requestID: req.requestID, next: StateIdle}
			return
		}
		chunk := next.chunk

		switch chunk.Kind {
		case ChunkText:
			if req.stream {
				send(protocol.Response{RequestID: req.requestID, Response: protocol.Stream(chunk.Text)})
			} else {
				textBuf.WriteString(chunk.Text)
			}

		case ChunkUsage:
			lastUsage = &protocol.TokenUsage{
				InputTokens:  chunk.Usage.InputTokens,
				OutputTokens: chunk.Usage.OutputTokens,
				CacheRead:    chunk.Usage.CacheRead,
				CacheWrite:   chunk.Usage.CacheWrite,
			}

		case ChunkToolCallIntent:
			if !req.useTools {
				chat.AppendToolResult(chunk.ToolName, `{"denied":true,"reason":"tool execution disabled for this request"}`)
				continue
			}
			if req.askBeforeToolExecution {
				send(protocol.Response{RequestID: req.requestID, Response: protocol.ToolConfirmationRequest(chunk.ToolName, chunk.ToolArguments, "")})
				results <- pumpOutcome{
					requestID: req.requestID,
					next:      StateWaitingToolConfirm,
					pendingTool: &pendingToolCall{
						requestID: req.requestID,
						name:      chunk.ToolName,
						arguments: chunk.ToolArguments,
						opts:      req.opts,
						stream:    req.stream,
						useTools:  req.useTools,
						ask:       req.askBeforeToolExecution,
					},
				}
				return
			}

			send(protocol.Response{RequestID: req.requestID, Response: protocol.ToolCall(chunk.ToolName, chunk.ToolArguments)})
			result, terr := tools.Run(ctx, chunk.ToolName, chunk.ToolArguments)
			if terr != nil {
				texErr := &ToolExecutionError{Tool: chunk.ToolName, Cause: terr, Arguments: chunk.ToolArguments}
				emit(protocol.ToolResult(chunk.ToolName, ""), texErr.JSON())
				chat.AppendToolResult(chunk.ToolName, texErr.JSON())
			} else {
				send(protocol.Response{RequestID: req.requestID, Response: protocol.ToolResult(chunk.ToolName, result)})
				chat.AppendToolResult(chunk.ToolName, result)
			}

		case ChunkTurnBudgetExceeded:
			send(protocol.Response{RequestID: req.requestID, Response: protocol.TurnConfirmationRequest(chunk.TurnCurrent, chunk.TurnMax, "")})
			results <- pumpOutcome{
				requestID: req.requestID,
				next:      StateWaitingTurnConfirm,
				pendingTurn: &pendingTurnConfirm{
					requestID: req.requestID,
					opts:      req.opts,
					stream:    req.stream,
					useTools:  req.useTools,
					ask:       req.askBeforeToolExecution,
					current:   chunk.TurnCurrent,
					max:       chunk.TurnMax,
				},
			}
			return

		case ChunkEnd:
			if req.stream {
				send(protocol.Response{RequestID: req.requestID, Response: protocol.Complete(lastUsage, false)})
			} else {
				send(protocol.Response{RequestID: req.requestID, Response: protocol.Text(textBuf.String()), TokenUsage: lastUsage})
			}
			results <- pumpOutcome{requestID: req.requestID, next: StateIdle}
			return
		}
	}
}
