// Package logx configures the monitor's structured logging.
//
// logx.Logger is a small value type over zerolog: the console writer keeps a
// short timestamp and caller, the file sink writes JSON through lumberjack
// rotation. Service.Apply swaps level and sinks at runtime.
package logx
