package assets

// Sensor frames for the operation header.
// Frame 0 = idle, Frames 1-3 = sweep animation.
var DashFrames = [4]string{
	// Frame 0: idle
	`     .-"""-.
    /   |   \
   |    o    |
    \       /
     '-._.-'
   ~~~~|~~~~`,
	// Frame 1: sweep
	`     .-"""-.
    /     / \
   |    o    |
    \       /
     '-._.-'
   ~~~~|~~~~`,
	// Frame 2: sweep
	`     .-"""-.
    /       \
   |    o----|
    \       /
     '-._.-'
   ~~~~|~~~~`,
	// Frame 3: sweep
	`     .-"""-.
    /       \
   |    o    |
    \     \ /
     '-._.-'
   ~~~~|~~~~`,
}

// GetDashFrame returns the logo frame at the given index.
func GetDashFrame(frame int) string {
	if frame < 0 {
		frame = -frame
	}
	return DashFrames[frame%len(DashFrames)]
}
