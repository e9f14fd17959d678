/*
Copyright 2024 The VPNC Authors

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

package logging

import (
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"golang.org/x/exp/slog"
	"google.golang.org/grpc"

	"github.com/ncubed/vpnc/pkg/vctx"
)

// ContextUnaryServerInterceptor returns a grpc.UnaryServerInterceptor that
// logs every call made against the status endpoint.
func ContextUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return logging.UnaryServerInterceptor(
		ContextInterceptor(),
		logging.WithLogOnEvents(logging.StartCall, logging.FinishCall),
	)
}

// ContextStreamServerInterceptor is the streaming counterpart of
// ContextUnaryServerInterceptor. The status service defines no
// streaming RPCs, so nothing in this module installs it.
func ContextStreamServerInterceptor() grpc.StreamServerInterceptor {
	return logging.StreamServerInterceptor(
		ContextInterceptor(),
		logging.WithLogOnEvents(logging.StartCall, logging.FinishCall),
	)
}

// ContextInterceptor returns a logging.Logger that logs to the logger
// carried on the request context.
func ContextInterceptor() logging.Logger {
	return logging.LoggerFunc(func(ctx vctx.Context, lvl logging.Level, msg string, fields ...any) {
		log := vctx.LoggerFrom(ctx)
		switch msg {
		case "started call":
			msg = "started status rpc"
		case "finished call":
			msg = "finished status rpc"
		}
		log.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
