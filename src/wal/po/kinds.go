package po

// Kind tags are part of the on-disk log format of layout version 1.
// Never renumber them; append new kinds at the end.
const (
	KindUnknown Kind = iota
	KindSBTreeBucketInit
	KindSBTreeBucketSetRightSibling
	KindSBTreeBucketSetLeftSibling
	KindSBTreeBucketSetTreeSize
	KindSBTreeBucketSwitchBucketType
	KindSBTreeBucketAddLeafEntry
	KindSBTreeBucketRemoveLeafEntry
	KindSBTreeBucketUpdateValue
	KindSBTreeBucketAddNonLeafEntry
	KindSBTreeBucketRemoveNonLeafEntry
	KindSBTreeBucketAddAll
	KindSBTreeBucketShrink
)
