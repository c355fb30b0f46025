// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import "github.com/bassosimone/errclass"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "ECONNRESET") that facilitate systematic analysis of the service's logs.
// This is distinct from ack-error encoding (see internal/ackerr): the
// classifier feeds log fields, the ack encoder feeds the wire protocol.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies with [errclass.New]: nil maps to the
// empty string, recognized OS and context errors to their errno-style
// labels, everything else to [errclass.EGENERIC].
var DefaultErrClassifier = ErrClassifierFunc(errclass.New)
