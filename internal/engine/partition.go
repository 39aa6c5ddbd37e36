package engine

// Partition splits [0, totalSize) into segmentCount contiguous inclusive ranges.
// The last range absorbs the remainder of the integer division. A count below one
// is treated as one, and a count above totalSize is clamped so no range is empty.
func Partition(totalSize int64, segmentCount int) []ByteRange {
	if totalSize <= 0 {
		return nil
	}
	count := int64(max(segmentCount, 1))
	if count > totalSize {
		count = totalSize
	}
	chunkSize := totalSize / count
	ranges := make([]ByteRange, 0, count)
	for i := range count {
		start := i * chunkSize
		end := start + chunkSize - 1
		if i == count-1 {
			end = totalSize - 1
		}
		ranges = append(ranges, ByteRange{Start: start, End: end})
	}
	return ranges
}
