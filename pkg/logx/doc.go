// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so components take a small Logger value instead of a concrete
// zerolog.Logger, and so output sinks/levels can be swapped at runtime.
package logx
