// Package nlp defines the annotation service and processor bound by the
// application factory, and a dictionary-based processor that recognises
// concept names from a concept database.
package nlp
