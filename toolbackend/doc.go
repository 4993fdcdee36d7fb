// Package toolbackend builds tool services that the gateway can front.
//
// A Server speaks the gateway's backend contract over plain HTTP:
//
//	GET  /        -> JSON array of tool descriptors
//	POST /{tool}  -> CallToolResult for the JSON arguments in the body
//
// Tools are declared with NewTool or NewStructuredTool, which reflect the
// input (and output) schemas from Go types:
//
//	type AddArgs struct {
//		A float64 `json:"a" jsonschema:"required"`
//		B float64 `json:"b" jsonschema:"required"`
//	}
//
//	add := toolbackend.NewTool("add", func(ctx context.Context, args AddArgs) (*mcp.CallToolResult, error) {
//		return toolbackend.TextResult(fmt.Sprint(args.A + args.B)), nil
//	}, toolbackend.WithDescription("Add two numbers"))
//
//	http.ListenAndServe(":8080", toolbackend.New([]toolbackend.Tool{add}))
//
// A handler that returns a Go error answers with HTTP 500 and the error
// text; the gateway folds that into an isError tool result.
package toolbackend
