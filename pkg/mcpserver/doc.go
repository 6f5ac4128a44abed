// Package mcpserver exposes registered function tools to Model Context
// Protocol clients. Tools are listed with their input schemas and executed
// through the sandbox engine; results come back as text content carrying
// the result JSON. The server speaks the streamable HTTP transport and is
// mounted alongside the REST API.
package mcpserver
