// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

// Package config 提供 TaskCore 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（TASKCORE_ 前缀）的顺序合并，
// 覆盖服务器、日志、遥测、存储、事件总线以及任务限制、审批和运行准入策略。
// Watcher 监听配置文件变更并重新加载，供运行时调整准入速率与日志级别。
package config
