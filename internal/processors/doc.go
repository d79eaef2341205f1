// Package processors contains the task processors the worker binary
// registers out of the box.
package processors
