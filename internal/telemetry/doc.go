// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

// Package telemetry 初始化 OpenTelemetry：OTLP gRPC 导出 trace 与 metric，
// 资源上带有服务实例、部署环境、所编排的任务类型以及存储后端等属性。
// 编排器、巡检与 HTTP 中间件通过全局 TracerProvider 建 span；
// 禁用时不注册任何 provider，也不连接 collector。
package telemetry
