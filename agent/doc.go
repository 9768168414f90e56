// Package agent drives a conversation between a user, an LLM and the tools
// of a remote MCP server.
//
// # Turn cycle
//
// Agent.ProcessUserInput appends the user turn and then loops:
//
//   - the model is asked for a reply, with a system prompt listing the tools
//     of the current registry snapshot and the call_tool() grammar
//   - the reply is scanned for call_tool() occurrences
//   - without calls the reply is the final answer and the turn completes
//   - otherwise the assistant turn is recorded with its calls, every valid
//     call is dispatched concurrently, and one tool turn per call is
//     appended in completion order before the model is asked again
//
// Unknown tools and malformed calls are never dispatched; they are answered
// with an error tool turn so the model can correct itself. After MaxRounds
// rounds of tool calls the agent stops dispatching and completes with the
// text it has.
//
// The agent moves through the states awaiting_user_input, model_generating,
// parsing_calls, awaiting_tool_results and complete or failed. A turn fails
// on a provider error, a lost tool connection or cancellation; the session
// stays usable for the next input.
//
// # Callbacks
//
// ProcessCallbacks lets a transport observe a turn as it runs:
//
//	callbacks := agent.ProcessCallbacks{
//	    OnAssistantMessage: func(message string) {
//	        // Final answer of the turn
//	    },
//	    OnToolCall: func(toolCall session.ToolCall) {
//	        // A call was dispatched or rejected
//	    },
//	    OnToolResult: func(turn session.Turn) {
//	        // The tool turn answering one call
//	    },
//	    OnWarning: func(warning string) {
//	        // Non-fatal problems, e.g. the round limit
//	    },
//	}
//
// # Runner
//
// Runner serializes the inputs of one session through a bounded queue and
// lets a transport cancel the turn in progress without losing queued inputs.
// When its context ends it discards the queue and optionally archives the
// transcript.
//
// # Subpackages
//
// agent/terminal: interactive command-line session over stdin and stdout.
//
// agent/web: websocket chat endpoint plus the /api/tools and /api/health
// HTTP endpoints, one session per websocket connection.
package agent
