// Package expression implements the Arazzo runtime-expression dialect:
// parsing of $-prefixed expressions, strict evaluation against a binding
// environment, {$...} string interpolation, and success-criterion
// compilation.
//
// Parsing is separated from evaluation. Compiled expressions and
// criteria are immutable and safe for reuse across attempts and runs of
// the same document.
package expression
