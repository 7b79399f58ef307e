package session

import "errors"

// 提交失败的分类。全部以哨兵错误返回给网关，由网关翻译成
// 只发给发起方的错误消息；失败绝不广播、绝不半改状态。
var (
	// 引用了没 open 过的文档（commit 不会自动建文档，只有 open/join 会）
	ErrNotFound = errors.New("DOC_NOT_FOUND")
	// 操作形状不合法（负 position / 负 length）
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
	// 客户端声称的版本比服务端还新：协议违规，多半是客户端 bug 或脱同步
	ErrStaleClientState = errors.New("STALE_CLIENT_STATE")
	// 变换基准不可用或链式变换内部不变量被破坏；宁可报错也不污染文档
	ErrTransformFailure = errors.New("TRANSFORM_FAILURE")
)
