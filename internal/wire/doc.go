// Package wire defines the framing and field encoding spoken between a
// coordinator and its workers.
//
// Every frame carries a Kind tag and a payload of big-endian fields written
// with the Put* methods of Message and read back with the matching Read*
// methods. Strings and byte slices are length prefixed. File bodies and log
// uploads travel as a sequence of KindRaw frames following a header message
// that announces their total size.
package wire
