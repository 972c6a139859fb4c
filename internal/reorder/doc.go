// Package reorder releases transcription results in strict sequence order.
package reorder
