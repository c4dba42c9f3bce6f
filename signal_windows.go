package ubuf

func kcpSigHandler() {}
