// Package steps runs a list of dependent operations strictly in order.
package steps

import "context"

// Step is one unit of work in a sequence.
type Step func(ctx context.Context) error

// Run executes steps one at a time. It returns the first error and does not
// start any step after it. A cancelled context stops the sequence before
// the next step begins.
func Run(ctx context.Context, steps ...Step) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}
