/*
Copyright 2025 The Quarry Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logrusutil implements some helpers for using logrus
package logrusutil

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultFieldsFormatter wraps another logrus.Formatter, injecting
// DefaultFields into each Format() call, existing fields are preserved
// if they have the same key
type DefaultFieldsFormatter struct {
	WrappedFormatter logrus.Formatter
	DefaultFields    logrus.Fields
}

// NewDefaultFieldsFormatter returns a DefaultFieldsFormatter,
// if wrappedFormatter is nil &logrus.JSONFormatter{} will be used instead
func NewDefaultFieldsFormatter(
	wrappedFormatter logrus.Formatter, defaultFields logrus.Fields,
) *DefaultFieldsFormatter {
	res := &DefaultFieldsFormatter{
		WrappedFormatter: wrappedFormatter,
		DefaultFields:    defaultFields,
	}
	if res.WrappedFormatter == nil {
		res.WrappedFormatter = &logrus.JSONFormatter{}
	}
	return res
}

// Init set Logrus formatter
// if DefaultFieldsFormatter is nil, use JSON formatter
func Init(formatter *DefaultFieldsFormatter) {
	if formatter == nil {
		return
	}
	if formatter.WrappedFormatter == nil {
		formatter.WrappedFormatter = &logrus.JSONFormatter{}
	}
	logrus.SetFormatter(formatter)
}

// ComponentInit is a syntax sugar for easier Init
func ComponentInit(component string) {
	Init(&DefaultFieldsFormatter{
		WrappedFormatter: &logrus.JSONFormatter{},
		DefaultFields:    logrus.Fields{"component": component},
	})
}

// Format implements logrus.Formatter's Format. We allocate a new Fields
// map in order to not modify the caller's Entry, as that is not a thread
// safe operation.
func (d *DefaultFieldsFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+len(d.DefaultFields))
	for k, v := range d.DefaultFields {
		data[k] = v
	}
	for k, v := range entry.Data {
		data[k] = v
	}
	return d.WrappedFormatter.Format(&logrus.Entry{
		Logger:  entry.Logger,
		Data:    data,
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
	})
}

// CensoringFormatter wraps a formatter and masks every registered secret
// in the rendered output. Secrets can be added after installation, e.g.
// when a runner token is minted.
type CensoringFormatter struct {
	WrappedFormatter logrus.Formatter

	lock    sync.RWMutex
	secrets [][]byte
}

// NewCensoringFormatter returns a CensoringFormatter wrapping the given
// formatter, defaulting to JSON output.
func NewCensoringFormatter(wrapped logrus.Formatter) *CensoringFormatter {
	if wrapped == nil {
		wrapped = &logrus.JSONFormatter{}
	}
	return &CensoringFormatter{WrappedFormatter: wrapped}
}

// Censor registers a secret for masking. Empty secrets are ignored so a
// missing credential cannot censor everything.
func (c *CensoringFormatter) Censor(secret []byte) {
	if len(secret) == 0 {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.secrets = append(c.secrets, append([]byte(nil), secret...))
}

const censored = "XXXXX"

// Format implements logrus.Formatter.
func (c *CensoringFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	raw, err := c.WrappedFormatter.Format(entry)
	if err != nil {
		return nil, err
	}
	c.lock.RLock()
	defer c.lock.RUnlock()
	for _, secret := range c.secrets {
		raw = bytes.ReplaceAll(raw, secret, []byte(censored))
	}
	return raw, nil
}
