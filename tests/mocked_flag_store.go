package tests

type MockFlagStore struct {
	FlaggedValues  []string
	ExecutionCount int
	ReturnedError  error
}

func (mfs *MockFlagStore) Flag(value string) error {
	mfs.FlaggedValues = append(mfs.FlaggedValues, value)
	mfs.ExecutionCount++

	return mfs.ReturnedError
}
