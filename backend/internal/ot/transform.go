package ot

// Transform 把操作 a 变换到“已提交操作 b 之后”的坐标系里。
// a 是客户端基于版本 R 做出的操作，b 是别人已经在版本 R 上提交掉的操作；
// 返回的 a' 意图不变，但偏移量已经修正，可以直接套在包含 b 的内容上。
//
// 纯函数：无状态无 IO。位置完全相同时固定让 a 给 b 让位
// （已提交者视为先发生），保证两边变换结果确定。
func Transform(a, b Operation) Operation {
	switch {
	case a.Kind == KindRetain || b.Kind == KindRetain:
		// retain 是占位符，谁碰上它都不动
		return a

	case a.Kind == KindInsert && b.Kind == KindInsert:
		// 同位视为撞位：a 让位，往右挪 b 的文本长度
		if a.Position < b.Position {
			return a
		}
		a.Position += b.ContentLen()
		return a

	case a.Kind == KindInsert && b.Kind == KindDelete:
		switch {
		case a.Position <= b.Position:
			return a
		case a.Position > b.end():
			a.Position -= b.Length
			return a
		default:
			// 插入点落在被删区间内：夹到删除起点
			a.Position = b.Position
			return a
		}

	case a.Kind == KindDelete && b.Kind == KindInsert:
		if a.Position < b.Position {
			return a
		}
		a.Position += b.ContentLen()
		return a

	case a.Kind == KindDelete && b.Kind == KindDelete:
		switch {
		case a.end() <= b.Position:
			return a
		case a.Position >= b.end():
			a.Position -= b.Length
			return a
		default:
			// 区间重叠：b 已经删掉的部分不再删，只保留剩余段
			overlap := min(a.end(), b.end()) - max(a.Position, b.Position)
			a.Length -= overlap
			if a.Length < 0 {
				a.Length = 0
			}
			a.Position = min(a.Position, b.Position)
			return a
		}
	}
	return a
}

// TransformAll 按提交顺序依次变换（客户端落后多少版本，就追多少个已提交操作）。
func TransformAll(a Operation, committed []Operation) Operation {
	for _, b := range committed {
		a = Transform(a, b)
	}
	return a
}
