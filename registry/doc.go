// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package registry 维护"当前正在运行哪些任务"的唯一事实来源，并周期性地
扫描超时任务。

# Registry

Registry 以任务 id 为键保存记录，同时按插入顺序（最旧在前）维护一个列表。
map 与列表在同一把锁下增删，两者始终一致。重复登记返回
ErrDuplicateRegistration，且不会修改任何状态。

# 扫描

CheckLongRunningTasks 对每条记录计算运行时长，超过所在层级（free/premium）
的阈值时：

 1. 尽力通知用户，失败只记录日志
 2. 若任务处于 RUNNING、IDLE、STARTING 之一，按配置调用 RequestPause 或
    RequestStop，有限次重试，成功即停止；重试耗尽只记录告警，不强制终止
 3. 超过硬超时 80% 时额外发出临近超时告警

单个任务的任何失败（包括 panic）都不会中断同一轮扫描中的其他任务。

Sweeper 以 HighLoadCheckInterval 为周期驱动扫描，并检测高负载。
*/
package registry
