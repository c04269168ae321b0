package gpu

var (
	ParseVersion      = parseVersion
	ValidationFromEnv = validationFromEnv
	ChooseExtent      = chooseExtent
	ChooseImageCount  = chooseImageCount
	ChoosePresentMode = choosePresentMode
	CheckSPIRV        = checkSPIRV
	AlignUp           = alignUp
	AlignDown         = alignDown
)
