// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package statemachine 提供按任务实例化的有限状态机。

# 概述

每个任务（swarm 或 routine）拥有唯一一个 Machine。Machine 持有当前状态、
固定的邻接表（Definition）以及转换历史。只有邻接表中存在的
(current, target) 才能转换成功，非法目标会以 *InvalidTransitionError 拒绝，
状态保持不变。

# 副作用

转换成功后按转换顺序执行两件事：

  - 通过 Snapshotter 尽力持久化快照，失败只记录日志，不回滚。
  - 以 best-effort 方式发布 state.changed 事件。

副作用在锁外执行，事件处理器可以安全地重入同一个 Machine。

# 控制接口

RequestPause / RequestStop / ControlState 供注册表扫描使用，ControlState
把各类型的具体状态映射为通用的 RUNNING、IDLE、STARTING。
*/
package statemachine
