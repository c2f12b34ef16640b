// Package logx is the structured logger shared by every accountpilot package.
//
// Records are built with zerolog. A Service owns the sinks (console, JSON file,
// and an optional operator chat) and can swap them on config reload; loggers
// derived from it pick up the change without being recreated.
package logx
