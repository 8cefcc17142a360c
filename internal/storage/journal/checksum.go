package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算記錄的 CRC32 校驗和
//
// 演算法：
// - 將 Checksum 欄位歸零後序列化為 JSON
// - 使用 CRC32-IEEE 多項式計算
//
// 整筆記錄（含 snapshots 與 timestamp）都在校驗範圍內。
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum 驗證記錄的校驗和是否正確
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
