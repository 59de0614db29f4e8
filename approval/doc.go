// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package approval 实现基于事件总线的人工审批闸门（human-in-the-loop）。

# 概述

Gate.ProcessApprovalRequest 生成 pendingId，为该请求启动唯一一个计时器，
登记待审批条目，并以 reliable 方式发布 approval_required 事件，然后阻塞
调用方，直到以下任一路径先发生：

  - 用户响应：HandleUserApprovalResponse，发布 approval_granted 或 approval_rejected
  - 超时：发布 approval_timeout，可选自动拒绝
  - 取消：CancelPendingApproval 或调用方 ctx 结束，发布 approval_cancelled

# 精确一次

所有路径都遵循"先移除再执行"：条目在互斥锁内从 map 删除并停止计时器，
之后才发布事件并唤醒等待者。计时器回调会重新检查条目是否仍然存在，
因此条目被移除后不会再有超时副作用。对未知或已处理的 pendingId 的响应
只记录日志，不报错。

同一次审批的全部事件共享请求的 correlationId。
*/
package approval
